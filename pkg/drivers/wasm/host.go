package wasm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/hoistpaas/hoist/pkg/drivers/phaselog"
	"github.com/hoistpaas/hoist/pkg/telemetry"
)

// hostModule is the import module name of the host functions.
const hostModule = "env"

type phaseLogKey struct{}

// withPhaseLog routes log_line calls made during a plugin call to l.
func withPhaseLog(ctx context.Context, l *phaselog.Log) context.Context {
	return context.WithValue(ctx, phaseLogKey{}, l)
}

func phaseLogFrom(ctx context.Context) *phaselog.Log {
	l, _ := ctx.Value(phaseLogKey{}).(*phaselog.Log)
	return l
}

// instantiateHost registers the host functions plugins import:
//
//	log_line(stream_ptr, stream_len, text_ptr, text_len)
//	http_request(method_ptr, method_len, url_ptr, url_len, body_ptr, body_len) -> packed
//	lookup_host(name_ptr, name_len) -> packed
//
// Packed results are (ptr << 32 | len) of a JSON document the host wrote into
// memory obtained from the plugin's malloc.
func instantiateHost(ctx context.Context, rt wazero.Runtime, e *enforcer, logger *telemetry.Logger) error {
	_, err := rt.NewHostModuleBuilder(hostModule).
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, streamPtr, streamLen, textPtr, textLen uint32) {
			stream, ok1 := mod.Memory().Read(streamPtr, streamLen)
			text, ok2 := mod.Memory().Read(textPtr, textLen)
			if !ok1 || !ok2 {
				logger.Warn("log_line: out of range memory access")
				return
			}
			if l := phaseLogFrom(ctx); l != nil {
				l.Append(string(stream), string(text))
				return
			}
			logger.WithField("stream", string(stream)).Debug(string(text))
		}).
		Export("log_line").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, methodPtr, methodLen, urlPtr, urlLen, bodyPtr, bodyLen uint32) uint64 {
			method, ok1 := mod.Memory().Read(methodPtr, methodLen)
			url, ok2 := mod.Memory().Read(urlPtr, urlLen)
			body, ok3 := mod.Memory().Read(bodyPtr, bodyLen)
			if !ok1 || !ok2 || !ok3 {
				return writeResult(ctx, mod, hostResult{Error: "out of range memory access"})
			}
			status, data, err := e.httpRequest(ctx, string(method), string(url), append([]byte(nil), body...))
			if err != nil {
				return writeResult(ctx, mod, hostResult{Error: err.Error()})
			}
			return writeResult(ctx, mod, hostResult{Status: status, Body: string(data)})
		}).
		Export("http_request").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, namePtr, nameLen uint32) uint64 {
			name, ok := mod.Memory().Read(namePtr, nameLen)
			if !ok {
				return writeResult(ctx, mod, hostResult{Error: "out of range memory access"})
			}
			addrs, err := e.lookupHost(ctx, string(name))
			if err != nil {
				return writeResult(ctx, mod, hostResult{Error: err.Error()})
			}
			return writeResult(ctx, mod, hostResult{Addresses: addrs})
		}).
		Export("lookup_host").
		Instantiate(ctx)
	if err != nil {
		return fmt.Errorf("failed to instantiate host module: %w", err)
	}
	return nil
}

// hostResult is the JSON document returned by host functions.
type hostResult struct {
	Error     string   `json:"error,omitempty"`
	Status    int      `json:"status,omitempty"`
	Body      string   `json:"body,omitempty"`
	Addresses []string `json:"addresses,omitempty"`
}

// writeResult copies r into plugin memory. Zero means the host could not
// allocate, which plugins treat as a failed call.
func writeResult(ctx context.Context, mod api.Module, r hostResult) uint64 {
	data, err := json.Marshal(r)
	if err != nil {
		return 0
	}
	malloc := mod.ExportedFunction("malloc")
	if malloc == nil {
		return 0
	}
	results, err := malloc.Call(ctx, uint64(len(data)))
	if err != nil || len(results) == 0 || results[0] == 0 {
		return 0
	}
	ptr := uint32(results[0])
	if !mod.Memory().Write(ptr, data) {
		return 0
	}
	return pack(ptr, uint32(len(data)))
}

func pack(ptr, size uint32) uint64 {
	return uint64(ptr)<<32 | uint64(size)
}

func unpack(v uint64) (ptr, size uint32) {
	return uint32(v >> 32), uint32(v)
}
