// Package wasmtest builds small wasm binaries for tests.
//
// Wazero has no WAT parser, so guests are assembled directly in the binary
// format. Only i32 parameters and results are supported, which is all the
// bridge ABI uses.
package wasmtest

import (
	"bytes"
)

// Module accumulates the sections of a wasm module. Imports must be added
// before any function is defined so that function indices stay stable.
type Module struct {
	types   [][]byte
	typeIdx map[[2]int]uint32
	imports [][]byte
	funcs   []uint32 // type index per defined function
	codes   [][]byte
	exports [][]byte
	globals [][]byte
	data    [][]byte
	pages   uint32

	numImports uint32
}

// New returns an empty module with one page of memory exported as "memory".
func New() *Module {
	return &Module{typeIdx: make(map[[2]int]uint32), pages: 1}
}

// Pages sets the initial memory size in 64KiB pages.
func (m *Module) Pages(n uint32) *Module {
	m.pages = n
	return m
}

func (m *Module) funcType(params, results int) uint32 {
	key := [2]int{params, results}
	if idx, ok := m.typeIdx[key]; ok {
		return idx
	}
	t := []byte{0x60}
	t = append(t, uleb(uint32(params))...)
	for i := 0; i < params; i++ {
		t = append(t, 0x7f)
	}
	t = append(t, uleb(uint32(results))...)
	for i := 0; i < results; i++ {
		t = append(t, 0x7f)
	}
	idx := uint32(len(m.types))
	m.types = append(m.types, t)
	m.typeIdx[key] = idx
	return idx
}

// Import declares an imported function and returns its function index.
func (m *Module) Import(module, name string, params, results int) uint32 {
	if len(m.funcs) > 0 {
		panic("wasmtest: imports must precede defined functions")
	}
	var buf bytes.Buffer
	buf.Write(encodeName(module))
	buf.Write(encodeName(name))
	buf.WriteByte(0x00)
	buf.Write(uleb(m.funcType(params, results)))
	m.imports = append(m.imports, buf.Bytes())
	m.numImports++
	return m.numImports - 1
}

// Func defines a function with the given body and returns its index. The
// trailing end opcode is appended. A non-empty export name exports it.
func (m *Module) Func(export string, params, results int, body ...[]byte) uint32 {
	m.funcs = append(m.funcs, m.funcType(params, results))
	var code []byte
	code = append(code, 0x00) // no locals
	for _, b := range body {
		code = append(code, b...)
	}
	code = append(code, 0x0b)
	m.codes = append(m.codes, append(uleb(uint32(len(code))), code...))

	idx := m.numImports + uint32(len(m.funcs)) - 1
	if export != "" {
		m.exports = append(m.exports, exportEntry(export, 0x00, idx))
	}
	return idx
}

// Global defines a mutable i32 global and returns its index.
func (m *Module) Global(init int32) uint32 {
	g := []byte{0x7f, 0x01, 0x41}
	g = append(g, sleb(init)...)
	g = append(g, 0x0b)
	m.globals = append(m.globals, g)
	return uint32(len(m.globals) - 1)
}

// Data places bytes at a fixed memory offset.
func (m *Module) Data(offset uint32, b []byte) *Module {
	var buf bytes.Buffer
	buf.WriteByte(0x00) // active, memory 0
	buf.WriteByte(0x41)
	buf.Write(sleb(int32(offset)))
	buf.WriteByte(0x0b)
	buf.Write(uleb(uint32(len(b))))
	buf.Write(b)
	m.data = append(m.data, buf.Bytes())
	return m
}

// BumpAllocator defines an exported allocator that hands out consecutive
// regions starting at base and never frees them.
func (m *Module) BumpAllocator(export string, base uint32) uint32 {
	g := m.Global(int32(base))
	return m.Func(export, 1, 1,
		GlobalGet(g),
		GlobalGet(g),
		LocalGet(0),
		I32Add(),
		GlobalSet(g),
	)
}

// Bytes encodes the module.
func (m *Module) Bytes() []byte {
	var b bytes.Buffer
	b.Write([]byte{0x00, 0x61, 0x73, 0x6d})
	b.Write([]byte{0x01, 0x00, 0x00, 0x00})

	b.Write(section(1, vector(m.types)))
	if len(m.imports) > 0 {
		b.Write(section(2, vector(m.imports)))
	}
	if len(m.funcs) > 0 {
		var fs [][]byte
		for _, t := range m.funcs {
			fs = append(fs, uleb(t))
		}
		b.Write(section(3, vector(fs)))
	}
	mem := append([]byte{0x00}, uleb(m.pages)...)
	b.Write(section(5, vector([][]byte{mem})))
	if len(m.globals) > 0 {
		b.Write(section(6, vector(m.globals)))
	}
	exports := append([][]byte{exportEntry("memory", 0x02, 0)}, m.exports...)
	b.Write(section(7, vector(exports)))
	if len(m.codes) > 0 {
		b.Write(section(10, vector(m.codes)))
	}
	if len(m.data) > 0 {
		b.Write(section(11, vector(m.data)))
	}
	return b.Bytes()
}

// --- Instructions ---

func I32Const(v int32) []byte { return append([]byte{0x41}, sleb(v)...) }
func Call(idx uint32) []byte  { return append([]byte{0x10}, uleb(idx)...) }
func LocalGet(i uint32) []byte {
	return append([]byte{0x20}, uleb(i)...)
}
func GlobalGet(i uint32) []byte { return append([]byte{0x23}, uleb(i)...) }
func GlobalSet(i uint32) []byte { return append([]byte{0x24}, uleb(i)...) }
func I32Add() []byte            { return []byte{0x6a} }
func I32Sub() []byte            { return []byte{0x6b} }

// CallWith pushes each argument as an i32 constant and calls idx.
func CallWith(idx uint32, args ...int32) []byte {
	var b []byte
	for _, a := range args {
		b = append(b, I32Const(a)...)
	}
	return append(b, Call(idx)...)
}

func Drop() []byte        { return []byte{0x1a} }
func Unreachable() []byte { return []byte{0x00} }

// I32Load loads the i32 at the address on top of the stack.
func I32Load(offset uint32) []byte {
	return append([]byte{0x28, 0x02}, uleb(offset)...)
}

// I32Store stores the i32 on top of the stack at the address below it.
func I32Store(offset uint32) []byte {
	return append([]byte{0x36, 0x02}, uleb(offset)...)
}

// Loop wraps body in a loop block with no result.
func Loop(body ...[]byte) []byte {
	b := []byte{0x03, 0x40}
	for _, in := range body {
		b = append(b, in...)
	}
	return append(b, 0x0b)
}

// Br branches to the enclosing block at depth.
func Br(depth uint32) []byte { return append([]byte{0x0c}, uleb(depth)...) }

// --- Encoding helpers ---

func section(id byte, content []byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte(id)
	buf.Write(uleb(uint32(len(content))))
	buf.Write(content)
	return buf.Bytes()
}

func vector(items [][]byte) []byte {
	var buf bytes.Buffer
	buf.Write(uleb(uint32(len(items))))
	for _, item := range items {
		buf.Write(item)
	}
	return buf.Bytes()
}

func exportEntry(name string, kind byte, idx uint32) []byte {
	var buf bytes.Buffer
	buf.Write(encodeName(name))
	buf.WriteByte(kind)
	buf.Write(uleb(idx))
	return buf.Bytes()
}

func encodeName(s string) []byte {
	return append(uleb(uint32(len(s))), s...)
}

func uleb(value uint32) []byte {
	var buf []byte
	for {
		b := byte(value & 0x7f)
		value >>= 7
		if value != 0 {
			b |= 0x80
		}
		buf = append(buf, b)
		if value == 0 {
			break
		}
	}
	return buf
}

func sleb(value int32) []byte {
	var buf []byte
	for {
		b := byte(value & 0x7f)
		value >>= 7
		if (value == 0 && b&0x40 == 0) || (value == -1 && b&0x40 != 0) {
			buf = append(buf, b)
			break
		}
		b |= 0x80
		buf = append(buf, b)
	}
	return buf
}
