package datasource

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/Knetic/govaluate"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hugo-lorenzo-mato/fnhost/internal/core"
)

// list stands in for []any while an expression is evaluated. govaluate spreads
// a single []interface{} argument into separate function arguments.
type list []any

var transformFunctions = map[string]govaluate.ExpressionFunction{
	"len":   fnLen,
	"get":   fnGet,
	"pluck": fnPluck,
	"first": fnFirst,
	"last":  fnLast,
	"sum":   fnSum,
	"keys":  fnKeys,
}

// compiledCacheSize bounds the compiled-expression cache. Expressions arrive
// from request bodies, so the cache must not grow with them.
const compiledCacheSize = 256

var compiled = newExpressionCache(compiledCacheSize)

func newExpressionCache(size int) *lru.Cache[string, *govaluate.EvaluableExpression] {
	c, err := lru.New[string, *govaluate.EvaluableExpression](size)
	if err != nil {
		panic(err)
	}
	return c
}

// ApplyTransform evaluates expression with the query result bound to `data`.
// Parse and evaluation failures are TRANSFORM_FAILED execution errors.
func ApplyTransform(expression string, data any) (any, error) {
	expr, err := compile(expression)
	if err != nil {
		return nil, transformError(expression, err)
	}

	input, err := normalize(data)
	if err != nil {
		return nil, transformError(expression, err)
	}

	out, err := expr.Evaluate(map[string]interface{}{"data": input})
	if err != nil {
		return nil, transformError(expression, err)
	}
	return unwrap(out), nil
}

func compile(expression string) (*govaluate.EvaluableExpression, error) {
	if cached, ok := compiled.Get(expression); ok {
		return cached, nil
	}
	expr, err := govaluate.NewEvaluableExpressionWithFunctions(expression, transformFunctions)
	if err != nil {
		return nil, err
	}
	compiled.Add(expression, expr)
	return expr, nil
}

func transformError(expression string, err error) error {
	return core.ErrExecution(core.CodeTransformFailed,
		fmt.Sprintf("transform %q failed", expression)).WithCause(err)
}

// normalize converts data into plain JSON values (float64, string, bool, nil,
// map[string]any and list) so expressions see one shape regardless of source.
func normalize(data any) (any, error) {
	raw, ok := data.(json.RawMessage)
	if !ok {
		var err error
		if raw, err = json.Marshal(data); err != nil {
			return nil, err
		}
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return wrap(v), nil
}

func wrap(v any) any {
	switch t := v.(type) {
	case []any:
		out := make(list, len(t))
		for i, x := range t {
			out[i] = wrap(x)
		}
		return out
	case map[string]any:
		for k, x := range t {
			t[k] = wrap(x)
		}
		return t
	}
	return v
}

func unwrap(v any) any {
	switch t := v.(type) {
	case list:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = unwrap(x)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = unwrap(x)
		}
		return out
	case map[string]any:
		for k, x := range t {
			t[k] = unwrap(x)
		}
		return t
	}
	return v
}

func arity(name string, args []interface{}, n int) error {
	if len(args) != n {
		return fmt.Errorf("%s expects %d argument(s), got %d", name, n, len(args))
	}
	return nil
}

func fnLen(args ...interface{}) (interface{}, error) {
	if err := arity("len", args, 1); err != nil {
		return nil, err
	}
	switch t := args[0].(type) {
	case list:
		return float64(len(t)), nil
	case map[string]any:
		return float64(len(t)), nil
	case string:
		return float64(len(t)), nil
	case nil:
		return float64(0), nil
	}
	return nil, fmt.Errorf("len: unsupported type %T", args[0])
}

func fnGet(args ...interface{}) (interface{}, error) {
	if err := arity("get", args, 2); err != nil {
		return nil, err
	}
	return index(args[0], args[1])
}

func index(container, key any) (any, error) {
	switch t := container.(type) {
	case map[string]any:
		k, ok := key.(string)
		if !ok {
			return nil, fmt.Errorf("get: object key must be a string, got %T", key)
		}
		return t[k], nil
	case list:
		f, ok := key.(float64)
		if !ok {
			return nil, fmt.Errorf("get: array index must be a number, got %T", key)
		}
		i := int(f)
		if i < 0 {
			i += len(t)
		}
		if i < 0 || i >= len(t) {
			return nil, nil
		}
		return t[i], nil
	case nil:
		return nil, nil
	}
	return nil, fmt.Errorf("get: unsupported type %T", container)
}

func fnPluck(args ...interface{}) (interface{}, error) {
	if err := arity("pluck", args, 2); err != nil {
		return nil, err
	}
	rows, ok := args[0].(list)
	if !ok {
		return nil, fmt.Errorf("pluck: expected an array, got %T", args[0])
	}
	out := make(list, 0, len(rows))
	for _, row := range rows {
		v, err := index(row, args[1])
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func fnFirst(args ...interface{}) (interface{}, error) {
	if err := arity("first", args, 1); err != nil {
		return nil, err
	}
	return index(args[0], float64(0))
}

func fnLast(args ...interface{}) (interface{}, error) {
	if err := arity("last", args, 1); err != nil {
		return nil, err
	}
	return index(args[0], float64(-1))
}

func fnSum(args ...interface{}) (interface{}, error) {
	if len(args) < 1 || len(args) > 2 {
		return nil, fmt.Errorf("sum expects 1 or 2 arguments, got %d", len(args))
	}
	values, ok := args[0].(list)
	if !ok {
		return nil, fmt.Errorf("sum: expected an array, got %T", args[0])
	}
	if len(args) == 2 {
		plucked, err := fnPluck(args[0], args[1])
		if err != nil {
			return nil, err
		}
		values = plucked.(list)
	}
	var total float64
	for _, v := range values {
		switch n := v.(type) {
		case float64:
			total += n
		case nil:
		default:
			return nil, fmt.Errorf("sum: non-numeric value %v", v)
		}
	}
	return total, nil
}

func fnKeys(args ...interface{}) (interface{}, error) {
	if err := arity("keys", args, 1); err != nil {
		return nil, err
	}
	obj, ok := args[0].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("keys: expected an object, got %T", args[0])
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(list, len(keys))
	for i, k := range keys {
		out[i] = k
	}
	return out, nil
}
