package sink

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// FilterEnv 过滤表达式的执行环境
//
// 例如: Type == "state" && LowBattery
//
//	Position < 10 || Key startsWith "a4cf12"
type FilterEnv struct {
	Type       string
	Key        string
	Name       string
	Hub        string
	Position   int
	Target     int
	Direction  string
	Battery    int
	LowBattery bool
	HasBattery bool
}

func newFilterEnv(e Event) FilterEnv {
	env := FilterEnv{
		Type: string(e.Type),
		Key:  e.Key,
		Name: e.Name,
		Hub:  e.HubIP,
	}
	if s := e.State; s != nil {
		env.Position = s.Position
		env.Target = s.Target
		env.Direction = s.Direction.String()
		env.Battery = s.BatteryPercent
		env.LowBattery = s.LowBattery
		env.HasBattery = s.HasBattery
	}
	return env
}

// Filter 编译后的 when 表达式，nil 表示全部放行
type Filter struct {
	source  string
	program *vm.Program
}

// CompileFilter 编译过滤表达式，空表达式返回 nil
func CompileFilter(when string) (*Filter, error) {
	when = strings.TrimSpace(when)
	if when == "" {
		return nil, nil
	}
	program, err := expr.Compile(when, expr.Env(FilterEnv{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("编译过滤表达式失败: %w", err)
	}
	return &Filter{source: when, program: program}, nil
}

// String 原始表达式
func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return f.source
}

// Match 判断事件是否需要输出
func (f *Filter) Match(e Event) (bool, error) {
	if f == nil {
		return true, nil
	}
	out, err := expr.Run(f.program, newFilterEnv(e))
	if err != nil {
		return false, fmt.Errorf("执行过滤表达式 %q 失败: %w", f.source, err)
	}
	ok, _ := out.(bool)
	return ok, nil
}
