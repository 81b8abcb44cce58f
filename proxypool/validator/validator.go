package validator

import (
	"fmt"
	"strings"
)

// Mode 是准入策略。
type Mode string

const (
	ModeAny      Mode = "any"
	ModeMajority Mode = "majority"
	ModeAll      Mode = "all"
)

// ParseMode 解析配置中的 validation_mode。
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeAny, ModeMajority, ModeAll:
		return m, nil
	default:
		return "", fmt.Errorf("unknown validation mode %q", s)
	}
}

// Validator 把单个代理的多轮探测结果聚合为准入判定。
// 它不持有任何代理状态，历史由调用方 (Manager) 按代理保存。
type Validator struct {
	mode   Mode
	rounds int
}

// NewValidator 创建一个 Validator。rounds 小于 1 时按 1 处理。
func NewValidator(mode Mode, rounds int) *Validator {
	if rounds < 1 {
		rounds = 1
	}
	return &Validator{mode: mode, rounds: rounds}
}

// Rounds 返回一次判定需要的轮数。
func (v *Validator) Rounds() int { return v.rounds }

// Mode 返回当前准入策略。
func (v *Validator) Mode() Mode { return v.mode }

// Ready 报告给定历史是否已经收满判定所需的轮数。
func (v *Validator) Ready(history []bool) bool {
	return len(history) >= v.rounds
}

// Decide 按准入策略判定是否接纳。只使用最近 rounds 轮结果。
func (v *Validator) Decide(history []bool) bool {
	if len(history) > v.rounds {
		history = history[len(history)-v.rounds:]
	}
	return Admit(v.mode, history)
}

// Admit 是准入策略的纯函数形式。
//   - any: 至少一次成功
//   - majority: 成功次数严格大于失败次数
//   - all: 没有失败，且至少有一轮
func Admit(mode Mode, outcomes []bool) bool {
	successes, failures := 0, 0
	for _, ok := range outcomes {
		if ok {
			successes++
		} else {
			failures++
		}
	}
	switch mode {
	case ModeAny:
		return successes > 0
	case ModeMajority:
		return successes > failures
	case ModeAll:
		return len(outcomes) > 0 && failures == 0
	default:
		return false
	}
}
