package envelope

import (
	"errors"
	"regexp"
	"strings"
)

// メッセージ本文中でエンベロープを囲む区切り行。
const (
	ArmorBegin = "--- ENCRYPTED PAYLOAD ---"
	ArmorEnd   = "--- END ENCRYPTED PAYLOAD ---"
)

// ErrNoPayload は本文にエンベロープが含まれていない場合のエラー。
var ErrNoPayload = errors.New("no encrypted payload found")

var armorPattern = regexp.MustCompile(`(?s)` + regexp.QuoteMeta(ArmorBegin) + `\s*\r?\n(.*?)\r?\n` + regexp.QuoteMeta(ArmorEnd))

// Armor はエンベロープを区切り行で囲んだテキストブロックにする。
func Armor(env *Envelope) (string, error) {
	data, err := Marshal(env)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString(ArmorBegin)
	b.WriteByte('\n')
	b.Write(data)
	b.WriteByte('\n')
	b.WriteString(ArmorEnd)
	b.WriteByte('\n')
	return b.String(), nil
}

// Extract はメッセージ本文から最初のエンベロープを取り出す。
func Extract(body string) (*Envelope, error) {
	m := armorPattern.FindStringSubmatch(body)
	if m == nil {
		return nil, ErrNoPayload
	}
	return Unmarshal([]byte(strings.TrimSpace(m[1])))
}
