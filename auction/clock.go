package auction

import "time"

// Clock 提供目前時間，每個操作只會讀取一次
type Clock interface {
	Now() time.Time
}

// ClockFunc 讓一般函數可以當作 Clock 使用
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time {
	return f()
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}

// SystemClock 回傳使用系統時間的 Clock
func SystemClock() Clock {
	return systemClock{}
}
