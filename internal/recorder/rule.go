package recorder

import (
	"fmt"

	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"

	"spectro-station/internal/types"
)

// Rule 是数据行过滤规则，表达式以 DataRow 为环境，例如
// `Spectrometer.Active && Filter.Position != 1`
type Rule struct {
	source  string
	program *vm.Program
}

// CompileRule 编译过滤规则；空字符串表示接收所有行
func CompileRule(source string) (*Rule, error) {
	if source == "" {
		return nil, nil
	}
	program, err := expr.Compile(source, expr.Env(types.DataRow{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("rule compilation failed: %w", err)
	}
	return &Rule{source: source, program: program}, nil
}

// Accept 判断一行是否写出；nil 规则接收所有行
func (r *Rule) Accept(row types.DataRow) (bool, error) {
	if r == nil {
		return true, nil
	}
	out, err := expr.Run(r.program, row)
	if err != nil {
		return false, fmt.Errorf("rule execution failed: %w", err)
	}
	ok, isBool := out.(bool)
	if !isBool {
		return false, fmt.Errorf("rule result is not a boolean")
	}
	return ok, nil
}

// String 返回规则原文
func (r *Rule) String() string {
	if r == nil {
		return ""
	}
	return r.source
}
