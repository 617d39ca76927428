package wasm

import (
	"testing"
)

// testPlugin assembles small WebAssembly modules for driver tests. Every
// operation returns a constant JSON document, optionally after emitting log
// lines through the log_line import.
type testPlugin struct {
	data  []byte
	funcs []testFunc
}

type testFunc struct {
	export string
	body   []byte
}

const (
	dataBase = 16
	heapBase = 4096

	opI32Const  = 0x41
	opI64Const  = 0x42
	opCall      = 0x10
	opGlobalGet = 0x23
	opGlobalSet = 0x24
	opLocalGet  = 0x20
	opI32Add    = 0x6a
	opLoop      = 0x03
	opBr        = 0x0c
	opEnd       = 0x0b
)

func uleb(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			out = append(out, b|0x80)
			continue
		}
		return append(out, b)
	}
}

func sleb(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func encName(s string) []byte {
	return append(uleb(uint64(len(s))), s...)
}

func vec(items ...[]byte) []byte {
	out := uleb(uint64(len(items)))
	for _, item := range items {
		out = append(out, item...)
	}
	return out
}

func section(id byte, content []byte) []byte {
	return append(append([]byte{id}, uleb(uint64(len(content)))...), content...)
}

// str places s in the data segment.
func (p *testPlugin) str(s string) (ptr, size uint32) {
	ptr = uint32(dataBase + len(p.data))
	p.data = append(p.data, s...)
	return ptr, uint32(len(s))
}

func (p *testPlugin) ret(json string) []byte {
	ptr, size := p.str(json)
	return append([]byte{opI64Const}, sleb(int64(pack(ptr, size)))...)
}

// respond exports hoist_<op> returning json.
func (p *testPlugin) respond(op, json string) *testPlugin {
	p.funcs = append(p.funcs, testFunc{export: exportPrefix + op, body: p.ret(json)})
	return p
}

// phase exports hoist_<op> logging lines on stdout before returning json.
func (p *testPlugin) phase(op string, lines []string, json string) *testPlugin {
	streamPtr, streamLen := p.str("stdout")
	var body []byte
	for _, line := range lines {
		ptr, size := p.str(line)
		for _, v := range []uint32{streamPtr, streamLen, ptr, size} {
			body = append(body, opI32Const)
			body = append(body, sleb(int64(v))...)
		}
		body = append(body, opCall, 0x00)
	}
	body = append(body, p.ret(json)...)
	p.funcs = append(p.funcs, testFunc{export: exportPrefix + op, body: body})
	return p
}

// spin exports hoist_<op> looping forever.
func (p *testPlugin) spin(op string) *testPlugin {
	body := []byte{opLoop, 0x40, opBr, 0x00, opEnd, opI64Const, 0x00}
	p.funcs = append(p.funcs, testFunc{export: exportPrefix + op, body: body})
	return p
}

// module encodes the plugin. Function 0 is the log_line import, 1 is malloc.
func (p *testPlugin) module(t *testing.T) []byte {
	t.Helper()
	const (
		i32 = 0x7f
		i64 = 0x7e
	)

	types := vec(
		[]byte{0x60, 4, i32, i32, i32, i32, 0},
		[]byte{0x60, 1, i32, 1, i32},
		[]byte{0x60, 2, i32, i32, 1, i64},
	)
	imports := vec(append(append(encName(hostModule), encName("log_line")...), 0x00, 0x00))

	funcTypes := [][]byte{{0x01}}
	exports := [][]byte{
		append(encName("memory"), 0x02, 0x00),
		append(encName("malloc"), 0x00, 0x01),
	}
	malloc := []byte{opGlobalGet, 0, opGlobalGet, 0, opLocalGet, 0, opI32Add, opGlobalSet, 0}
	bodies := [][]byte{codeEntry(malloc)}
	for i, f := range p.funcs {
		funcTypes = append(funcTypes, []byte{0x02})
		exports = append(exports, append(encName(f.export), append([]byte{0x00}, uleb(uint64(i+2))...)...))
		bodies = append(bodies, codeEntry(f.body))
	}
	if len(p.data) >= heapBase-dataBase {
		t.Fatalf("test plugin data too large: %d bytes", len(p.data))
	}

	memory := vec([]byte{0x00, 0x02})
	globals := vec(append(append([]byte{i32, 0x01, opI32Const}, sleb(heapBase)...), opEnd))
	segment := append(append([]byte{0x00, opI32Const}, sleb(dataBase)...), opEnd)
	data := vec(append(segment, append(uleb(uint64(len(p.data))), p.data...)...))

	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	out = append(out, section(1, types)...)
	out = append(out, section(2, imports)...)
	out = append(out, section(3, vec(funcTypes...))...)
	out = append(out, section(5, memory)...)
	out = append(out, section(6, globals)...)
	out = append(out, section(7, vec(exports...))...)
	out = append(out, section(10, vec(bodies...))...)
	out = append(out, section(11, data)...)
	return out
}

func codeEntry(instrs []byte) []byte {
	body := append([]byte{0x00}, instrs...)
	body = append(body, opEnd)
	return append(uleb(uint64(len(body))), body...)
}
