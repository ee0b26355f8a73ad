package types

import "errors"

// 錯誤分類，以 errors.Is 判斷
var (
	// ErrConfiguration 任務或管線定義錯誤，啟動時即中止
	ErrConfiguration = errors.New("configuration error")
	// ErrNotFound 找不到任務、步驟或紀錄，直接回報給呼叫端
	ErrNotFound = errors.New("not found")
	// ErrInvariantViolation 違反系統不變量，例如分區數為 1
	ErrInvariantViolation = errors.New("invariant violation")
	// ErrStepExecution 使用者的步驟程式碼失敗，StepRun 會被標記為 FAILED
	ErrStepExecution = errors.New("step execution failed")
	// ErrStore 儲存層暫時性錯誤，本次心跳中止，下次心跳重新推導
	ErrStore = errors.New("store error")
)
