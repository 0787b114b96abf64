package domain

import "errors"

var (
	// ErrInvalidRequest は入力値が不正な場合のエラー。
	ErrInvalidRequest = errors.New("invalid request")

	// ErrKeyNotFound は指定された鍵IDが存在しない場合のエラー。
	ErrKeyNotFound = errors.New("key not found")

	// ErrKeyExpired は鍵の有効期限が切れている場合のエラー。
	ErrKeyExpired = errors.New("key expired")

	// ErrAlreadyConsumed は鍵が既に消費済みの場合のエラー。
	ErrAlreadyConsumed = errors.New("key already consumed")

	// ErrStorageFailure は永続化層のI/Oエラー。
	ErrStorageFailure = errors.New("storage failure")

	// ErrMigrationFailed はマイグレーション実行時のエラー。
	ErrMigrationFailed = errors.New("migration failed")

	// ErrInvalidMigrationFile はマイグレーションファイルのフォーマットが不正な場合のエラー。
	ErrInvalidMigrationFile = errors.New("invalid migration file")
)
