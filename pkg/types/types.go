// Package types 定義了 beaver-batch 系統中持久化於共享儲存的核心領域模型
package types

import (
	"time"

	"github.com/google/uuid"
)

// Status 任務與步驟的執行狀態
type Status string

// 定義狀態常數（JobRun 與 StepRun 共用同一狀態機）
const (
	StatusNew      Status = "NEW"      // 已建立，尚未被任何節點執行
	StatusRunning  Status = "RUNNING"  // 執行中
	StatusComplete Status = "COMPLETE" // 已成功完成
	StatusFailed   Status = "FAILED"   // 執行失敗，等待人工重試
)

// Valid 檢查狀態值是否為已知狀態
func (s Status) Valid() bool {
	switch s {
	case StatusNew, StatusRunning, StatusComplete, StatusFailed:
		return true
	}
	return false
}

// Terminal 回報狀態是否為終止狀態
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// LeaderKey 是 leader lease 的唯一鍵，由儲存層強制唯一
const LeaderKey = "leader"

// NodeLease 節點生命租約，每個存活節點一筆
type NodeLease struct {
	ID            string    `json:"id"`
	StartedAt     time.Time `json:"startedAt"`
	LifeLeaseTill time.Time `json:"lifeLeaseTill"`
}

// LeaderLease 叢集唯一的 leader 租約
//
// Locked 為 true 時代表某個挑戰者已經搶到這筆紀錄，正在寫入自己的租約。
type LeaderLease struct {
	Key             string    `json:"key"`
	LeaderNodeID    string    `json:"leaderNodeId"`
	LeaderSince     time.Time `json:"leaderSince"`
	LeaderLeaseTill time.Time `json:"leaderLeaseTill"`
	Locked          bool      `json:"locked"`
}

// JobRun 一次任務執行的紀錄
type JobRun struct {
	ID      string `json:"id"`
	JobName string `json:"jobName"`
	Args    Args   `json:"args"`
	Status  Status `json:"status"`

	StartedAt    time.Time `json:"startedAt"`
	CompletedAt  time.Time `json:"completedAt,omitempty"`
	LastUpdateAt time.Time `json:"lastUpdateAt"`

	// 目前所在步驟，PartitionCount 為 0 表示未分區
	CurrentStepName                     string `json:"currentStepName"`
	CurrentStepPartitionCount           int    `json:"currentStepPartitionCount"`
	CurrentStepPartitionsCompletedCount int    `json:"currentStepPartitionsCompletedCount"`

	Error string `json:"error,omitempty"`
}

// Clone 回傳深拷貝，避免儲存層與呼叫端共享 Args
func (r *JobRun) Clone() *JobRun {
	if r == nil {
		return nil
	}
	c := *r
	c.Args = r.Args.Clone()
	return &c
}

// Partition 分區資訊，Num 從 0 開始
type Partition struct {
	Num   int  `json:"num"`
	Total int  `json:"total"`
	Args  Args `json:"args,omitempty"`
}

// StepRun 一個步驟（或其一個分區）的執行紀錄，也是節點認領的單位
type StepRun struct {
	ID        string     `json:"id"`
	JobRunID  string     `json:"jobRunId"`
	JobName   string     `json:"jobName"`
	StepName  string     `json:"stepName"`
	Partition *Partition `json:"partition,omitempty"`
	Args      Args       `json:"args"`

	// 認領資訊
	Claimed        bool   `json:"claimed"`
	ClaimingNodeID string `json:"claimingNodeId,omitempty"`

	Status       Status    `json:"status"`
	StartedAt    time.Time `json:"startedAt,omitempty"`
	CompletedAt  time.Time `json:"completedAt,omitempty"`
	LastUpdateAt time.Time `json:"lastUpdateAt"`

	ItemsProcessed int64  `json:"itemsProcessed"`
	RetryCount     int    `json:"retryCount"`
	Error          string `json:"error,omitempty"`
}

// Clone 回傳深拷貝
func (r *StepRun) Clone() *StepRun {
	if r == nil {
		return nil
	}
	c := *r
	c.Args = r.Args.Clone()
	if r.Partition != nil {
		p := *r.Partition
		p.Args = r.Partition.Args.Clone()
		c.Partition = &p
	}
	return &c
}

// Claimable 回報此 StepRun 是否可被節點認領
func (r *StepRun) Claimable() bool {
	return !r.Claimed && (r.Status == StatusNew || r.Status == StatusRunning)
}

// ScheduleState 排程的持久化狀態，記錄最後一次處理的觸發時間
type ScheduleState struct {
	JobName               string    `json:"jobName"`
	LastFireTimeProcessed time.Time `json:"lastFireTimeProcessed"`
}

// NodeInfo 每次心跳產生的節點快照
type NodeInfo struct {
	Now         time.Time
	NodeID      string
	IsLeader    bool
	IsBusy      bool
	DeadNodeIDs []string
}

// SnapshotData 記憶體儲存的快照資料，用於單機部署的持久化和恢復
type SnapshotData struct {
	Nodes     map[string]*NodeLease     `json:"nodes"`
	Leader    *LeaderLease              `json:"leader,omitempty"`
	JobRuns   map[string]*JobRun        `json:"jobRuns"`
	StepRuns  map[string]*StepRun       `json:"stepRuns"`
	Schedules map[string]*ScheduleState `json:"schedules"`
	SchemaVer int                       `json:"schema_ver"` // 資料結構版本號，用於向後相容性
	SavedAt   time.Time                 `json:"savedAt"`
}

// NewSnapshotData 回傳所有 map 皆已初始化的空快照
func NewSnapshotData() SnapshotData {
	return SnapshotData{
		Nodes:     make(map[string]*NodeLease),
		JobRuns:   make(map[string]*JobRun),
		StepRuns:  make(map[string]*StepRun),
		Schedules: make(map[string]*ScheduleState),
		SchemaVer: 1,
	}
}

// NewID 產生新的紀錄 ID
func NewID() string {
	return uuid.NewString()
}

// ============================================================================
// 時間精度
// ============================================================================

// Truncate 將時間截斷到毫秒並轉為 UTC，所有持久化時間都經過這裡，
// 讓條件更新可以直接比對讀到的值。
func Truncate(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	return t.UTC().Truncate(time.Millisecond)
}

// ToMillis 轉為 Unix 毫秒，零值時間回傳 0
func ToMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromMillis 由 Unix 毫秒還原時間，0 還原為零值時間
func FromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
