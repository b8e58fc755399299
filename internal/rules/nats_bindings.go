package rules

import (
	"encoding/json"
	"fmt"

	"github.com/dop251/goja"
	"github.com/nats-io/nats.go"
)

// bindNATS exposes nats.publish and nats.kv.{get,put,delete} to scripts.
// Scripts forward derived events to other subjects or keep small amounts of
// state (last seen values, counters) in JetStream KV buckets.
func (e *Engine) bindNATS(vm *goja.Runtime) error {
	natsObj := vm.NewObject()

	publishFn := func(call goja.FunctionCall) goja.Value {
		subject := call.Argument(0).String()
		if subject == "" {
			panic(vm.NewTypeError("nats.publish: subject is required"))
		}
		dataArg := call.Argument(1)
		if goja.IsUndefined(dataArg) || goja.IsNull(dataArg) {
			panic(vm.NewTypeError("nats.publish: data is required"))
		}

		data, err := toBytes(dataArg.Export())
		if err != nil {
			panic(vm.NewTypeError("nats.publish: %v", err))
		}
		if err := e.natsConn.Publish(subject, data); err != nil {
			e.logger.Errorf("Script publish to %s failed: %v", subject, err)
			panic(vm.NewGoError(err))
		}
		return goja.Undefined()
	}
	if err := natsObj.Set("publish", publishFn); err != nil {
		return fmt.Errorf("failed to set publish function: %w", err)
	}

	kvObj := vm.NewObject()
	bucketStore := func(bucket string) (nats.KeyValue, error) {
		js, err := e.natsConn.JetStream()
		if err != nil {
			return nil, fmt.Errorf("failed to get JetStream context: %w", err)
		}
		kv, err := js.KeyValue(bucket)
		if err != nil {
			return nil, fmt.Errorf("failed to get KV bucket %q: %w", bucket, err)
		}
		return kv, nil
	}

	kvGetFn := func(call goja.FunctionCall) goja.Value {
		bucket, key := call.Argument(0).String(), call.Argument(1).String()
		if bucket == "" || key == "" {
			panic(vm.NewTypeError("nats.kv.get: bucket and key are required"))
		}
		kv, err := bucketStore(bucket)
		if err != nil {
			panic(vm.NewGoError(err))
		}
		entry, err := kv.Get(key)
		if err != nil {
			if err == nats.ErrKeyNotFound {
				return goja.Null()
			}
			panic(vm.NewGoError(err))
		}
		return vm.ToValue(string(entry.Value()))
	}

	kvPutFn := func(call goja.FunctionCall) goja.Value {
		bucket, key := call.Argument(0).String(), call.Argument(1).String()
		valueArg := call.Argument(2)
		if bucket == "" || key == "" {
			panic(vm.NewTypeError("nats.kv.put: bucket and key are required"))
		}
		if goja.IsUndefined(valueArg) || goja.IsNull(valueArg) {
			panic(vm.NewTypeError("nats.kv.put: value is required"))
		}
		kv, err := bucketStore(bucket)
		if err != nil {
			panic(vm.NewGoError(err))
		}
		value, err := toBytes(valueArg.Export())
		if err != nil {
			panic(vm.NewTypeError("nats.kv.put: %v", err))
		}
		if _, err := kv.Put(key, value); err != nil {
			panic(vm.NewGoError(err))
		}
		return goja.Undefined()
	}

	kvDeleteFn := func(call goja.FunctionCall) goja.Value {
		bucket, key := call.Argument(0).String(), call.Argument(1).String()
		if bucket == "" || key == "" {
			panic(vm.NewTypeError("nats.kv.delete: bucket and key are required"))
		}
		kv, err := bucketStore(bucket)
		if err != nil {
			panic(vm.NewGoError(err))
		}
		if err := kv.Delete(key); err != nil {
			panic(vm.NewGoError(err))
		}
		return goja.Undefined()
	}

	if err := kvObj.Set("get", kvGetFn); err != nil {
		return fmt.Errorf("failed to set kv.get: %w", err)
	}
	if err := kvObj.Set("put", kvPutFn); err != nil {
		return fmt.Errorf("failed to set kv.put: %w", err)
	}
	if err := kvObj.Set("delete", kvDeleteFn); err != nil {
		return fmt.Errorf("failed to set kv.delete: %w", err)
	}
	if err := natsObj.Set("kv", kvObj); err != nil {
		return fmt.Errorf("failed to set kv object: %w", err)
	}
	if err := vm.Set("nats", natsObj); err != nil {
		return fmt.Errorf("failed to set nats object: %w", err)
	}
	return nil
}

func toBytes(exported interface{}) ([]byte, error) {
	switch v := exported.(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	default:
		data, err := json.Marshal(exported)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal value: %w", err)
		}
		return data, nil
	}
}
