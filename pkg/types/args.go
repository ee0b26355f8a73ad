package types

import (
	"encoding/json"
	"fmt"
	"maps"
	"strconv"
	"time"
)

// 系統保留的參數鍵
const (
	ArgStartedAt      = "startedAt"      // 排程觸發時間
	ArgPartitionNum   = "partitionNum"   // 分區索引，從 0 開始
	ArgPartitionTotal = "partitionTotal" // 分區總數
)

// Args 任務與步驟的鍵值參數
//
// 參數會以 JSON 形式持久化，因此讀取時需要容忍型別變化：
// 整數可能變成 float64，時間可能變成 RFC3339 字串。
type Args map[string]any

// Clone 回傳淺層拷貝，nil 仍回傳 nil
func (a Args) Clone() Args {
	if a == nil {
		return nil
	}
	return maps.Clone(a)
}

// Merge 回傳新的 Args，other 的值覆蓋 a 的值
func (a Args) Merge(other Args) Args {
	out := make(Args, len(a)+len(other))
	maps.Copy(out, a)
	maps.Copy(out, other)
	return out
}

// Has 檢查鍵是否存在
func (a Args) Has(key string) bool {
	_, ok := a[key]
	return ok
}

// String 取得字串值，不存在時回傳空字串
func (a Args) String(key string) string {
	switch v := a[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// Int 取得整數值
func (a Args) Int(key string) (int, bool) {
	switch v := a[key].(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	case string:
		n, err := strconv.Atoi(v)
		return n, err == nil
	}
	return 0, false
}

// IntOr 取得整數值，不存在或無法轉換時回傳 def
func (a Args) IntOr(key string, def int) int {
	if n, ok := a.Int(key); ok {
		return n
	}
	return def
}

// Bool 取得布林值
func (a Args) Bool(key string) bool {
	switch v := a[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}

// Time 取得時間值，支援 time.Time、RFC3339 字串與 Unix 毫秒
func (a Args) Time(key string) (time.Time, bool) {
	switch v := a[key].(type) {
	case time.Time:
		return v, true
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		return t, err == nil
	case int64:
		return FromMillis(v), true
	case float64:
		return FromMillis(int64(v)), true
	}
	return time.Time{}, false
}

// Duration 取得時間長度，支援 time.Duration、"10s" 形式的字串與奈秒數值
func (a Args) Duration(key string) (time.Duration, bool) {
	switch v := a[key].(type) {
	case time.Duration:
		return v, true
	case string:
		d, err := time.ParseDuration(v)
		return d, err == nil
	case int64:
		return time.Duration(v), true
	case int:
		return time.Duration(v), true
	case float64:
		return time.Duration(v), true
	}
	return 0, false
}
