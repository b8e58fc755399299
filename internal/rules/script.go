package rules

import (
	"encoding/json"
	"fmt"

	"github.com/dop251/goja"

	"storepulse/internal/models"
)

// validateScript checks that the script yields a callable: either an
// anonymous function expression or a named 'transform' function.
func validateScript(content string) error {
	vm := goja.New()
	result, err := vm.RunString(content)
	if err != nil {
		return fmt.Errorf("failed to execute script: %w", err)
	}
	if _, ok := callableFrom(vm, result); !ok {
		return fmt.Errorf("script must export a function (anonymous or named 'transform')")
	}
	return nil
}

func callableFrom(vm *goja.Runtime, result goja.Value) (goja.Callable, bool) {
	if result != nil && !goja.IsUndefined(result) && !goja.IsNull(result) {
		if fn, ok := goja.AssertFunction(result); ok {
			return fn, true
		}
	}
	named := vm.Get("transform")
	if named != nil && !goja.IsUndefined(named) && !goja.IsNull(named) {
		if fn, ok := goja.AssertFunction(named); ok {
			return fn, true
		}
	}
	return nil, false
}

// applyScript runs the JavaScript transform on one event. A fresh runtime
// per call: goja.Runtime is not safe for concurrent use.
func (e *Engine) applyScript(event *models.ChangeEvent) (*models.ChangeEvent, error) {
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}

	vm := goja.New()
	if err := e.bindConsole(vm); err != nil {
		return nil, err
	}
	if e.natsConn != nil {
		if err := e.bindNATS(vm); err != nil {
			return nil, err
		}
	}

	scriptResult, err := vm.RunString(e.jsScript)
	if err != nil {
		return nil, fmt.Errorf("failed to execute script: %w", err)
	}
	fn, ok := callableFrom(vm, scriptResult)
	if !ok {
		return nil, fmt.Errorf("script must export a function (anonymous or named 'transform')")
	}

	if err := vm.Set("eventJSON", string(eventJSON)); err != nil {
		return nil, fmt.Errorf("failed to set event JSON: %w", err)
	}
	eventObj, err := vm.RunString("JSON.parse(eventJSON)")
	if err != nil {
		return nil, fmt.Errorf("failed to parse event JSON: %w", err)
	}

	result, err := fn(goja.Undefined(), eventObj)
	if err != nil {
		return nil, fmt.Errorf("transform function error: %w", err)
	}

	// null/undefined means the event is dropped
	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		return nil, ErrEventRejected
	}

	resultJSON, err := json.Marshal(result.Export())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal transform result: %w", err)
	}
	var transformed models.ChangeEvent
	if err := json.Unmarshal(resultJSON, &transformed); err != nil {
		return nil, fmt.Errorf("failed to decode transform result: %w", err)
	}

	e.logger.Debugf("Script transformed %s event for %s.%s", transformed.Type, transformed.Schema, transformed.Table)
	return &transformed, nil
}

// bindConsole wires console.log and friends to the engine's logger
func (e *Engine) bindConsole(vm *goja.Runtime) error {
	format := func(call goja.FunctionCall) string {
		args := make([]interface{}, len(call.Arguments))
		for i, arg := range call.Arguments {
			args[i] = arg.Export()
		}
		return fmt.Sprint(args...)
	}
	level := func(log func(...interface{})) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			log(format(call))
			return goja.Undefined()
		}
	}

	consoleObj := vm.NewObject()
	bindings := map[string]func(goja.FunctionCall) goja.Value{
		"log":   level(e.logger.Info),
		"info":  level(e.logger.Info),
		"warn":  level(e.logger.Warn),
		"error": level(e.logger.Error),
		"debug": level(e.logger.Debug),
	}
	for name, fn := range bindings {
		if err := consoleObj.Set(name, fn); err != nil {
			return fmt.Errorf("failed to set console.%s: %w", name, err)
		}
	}
	if err := vm.Set("console", consoleObj); err != nil {
		return fmt.Errorf("failed to set console object: %w", err)
	}
	return nil
}
