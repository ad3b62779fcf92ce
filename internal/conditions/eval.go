package conditions

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Reasons reported by a failed Result.
const (
	ReasonNotMet  = "conditions_not_met"
	ReasonInvalid = "invalid_condition"
)

// Result is the outcome of checking an expression against a user context.
type Result struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	// Missing lists the atoms that kept the expression from holding.
	Missing []string `json:"missing,omitempty"`
	Message string   `json:"message,omitempty"`
}

// Evaluate parses and checks expr. Parse failures are not allowed and carry
// ReasonInvalid.
func Evaluate(expr string, userCtx map[string]any) Result {
	e, err := Parse(expr)
	if err != nil {
		return Result{Reason: ReasonInvalid, Message: err.Error()}
	}
	return e.Eval(userCtx)
}

// Eval checks the expression against userCtx.
func (e *Expr) Eval(userCtx map[string]any) Result {
	if e == nil || e.root == nil {
		return Result{Allowed: true}
	}
	ok, missing := e.root.eval(userCtx)
	if ok {
		return Result{Allowed: true}
	}
	return Result{
		Reason:  ReasonNotMet,
		Missing: missing,
		Message: "requires " + strings.Join(missing, ", "),
	}
}

// node evaluates to a bool plus, when false, the atoms responsible.
type node interface {
	eval(ctx map[string]any) (bool, []string)
	String() string
}

type andNode struct{ left, right node }

func (n *andNode) eval(ctx map[string]any) (bool, []string) {
	l, lm := n.left.eval(ctx)
	r, rm := n.right.eval(ctx)
	if l && r {
		return true, nil
	}
	return false, append(lm, rm...)
}

func (n *andNode) String() string { return n.left.String() + " and " + n.right.String() }

type orNode struct{ left, right node }

func (n *orNode) eval(ctx map[string]any) (bool, []string) {
	l, lm := n.left.eval(ctx)
	r, rm := n.right.eval(ctx)
	if l || r {
		return true, nil
	}
	return false, append(lm, rm...)
}

func (n *orNode) String() string { return n.left.String() + " or " + n.right.String() }

type notNode struct{ x node }

func (n *notNode) eval(ctx map[string]any) (bool, []string) {
	if ok, _ := n.x.eval(ctx); ok {
		return false, []string{n.String()}
	}
	return true, nil
}

func (n *notNode) String() string { return "not " + n.x.String() }

type groupNode struct{ x node }

func (n *groupNode) eval(ctx map[string]any) (bool, []string) { return n.x.eval(ctx) }

func (n *groupNode) String() string { return "(" + n.x.String() + ")" }

var quoteEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

type literal struct {
	text   string
	quoted bool
	num    float64
	isNum  bool
}

func (l literal) String() string {
	if l.quoted {
		return `"` + quoteEscaper.Replace(l.text) + `"`
	}
	return l.text
}

type truthyNode struct{ path string }

func (n *truthyNode) eval(ctx map[string]any) (bool, []string) {
	v, ok := lookup(ctx, n.path)
	if ok && truthy(v) {
		return true, nil
	}
	return false, []string{n.String()}
}

func (n *truthyNode) String() string { return n.path }

type matchNode struct {
	path  string
	value literal
}

func (n *matchNode) eval(ctx map[string]any) (bool, []string) {
	v, ok := lookup(ctx, n.path)
	if ok && matches(v, n.value) {
		return true, nil
	}
	return false, []string{n.String()}
}

func (n *matchNode) String() string { return n.path + ":" + n.value.String() }

type compareNode struct {
	path  string
	op    string
	value literal
}

func (n *compareNode) eval(ctx map[string]any) (bool, []string) {
	v, ok := lookup(ctx, n.path)
	var holds bool
	if !ok {
		holds = n.op == "!="
	} else {
		holds = compare(v, n.op, n.value)
	}
	if holds {
		return true, nil
	}
	return false, []string{n.String()}
}

func (n *compareNode) String() string { return n.path + " " + n.op + " " + n.value.String() }

// lookup walks a dotted path through nested maps.
func lookup(ctx map[string]any, path string) (any, bool) {
	var cur any = ctx
	for _, part := range strings.Split(path, ".") {
		switch m := cur.(type) {
		case map[string]any:
			v, ok := m[part]
			if !ok {
				return nil, false
			}
			cur = v
		case map[string]string:
			v, ok := m[part]
			if !ok {
				return nil, false
			}
			cur = v
		default:
			return nil, false
		}
	}
	return cur, cur != nil
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	}
	if f, ok := toFloat(v); ok {
		return f != 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len() > 0
	}
	return true
}

func matches(v any, lit literal) bool {
	rv := reflect.ValueOf(v)
	if (rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array) && rv.Type().Elem().Kind() != reflect.Uint8 {
		for i := 0; i < rv.Len(); i++ {
			if equal(rv.Index(i).Interface(), lit) {
				return true
			}
		}
		return false
	}
	return equal(v, lit)
}

func equal(v any, lit literal) bool {
	if lit.isNum {
		if f, ok := toFloat(v); ok {
			return f == lit.num
		}
	}
	return toString(v) == lit.text
}

func compare(v any, op string, lit literal) bool {
	switch op {
	case "==":
		return equal(v, lit)
	case "!=":
		return !equal(v, lit)
	}
	var c int
	if f, ok := toFloat(v); ok && lit.isNum {
		switch {
		case f < lit.num:
			c = -1
		case f > lit.num:
			c = 1
		}
	} else {
		c = strings.Compare(toString(v), lit.text)
	}
	switch op {
	case "<":
		return c < 0
	case "<=":
		return c <= 0
	case ">":
		return c > 0
	case ">=":
		return c >= 0
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int8:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint8:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	}
	return 0, false
}

func toString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	}
	return fmt.Sprint(v)
}
