// Package sandboxtest собирает минимальные WASM-модули для тестов песочницы,
// проверки безопасности и жизненного цикла агентов.
package sandboxtest

import (
	"github.com/xela07ax/skillgate/internal/domain"
)

var header = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

// Секции и имена здесь короче 128 байт, поэтому длины кодируются одним байтом LEB128.
func section(id byte, payload ...byte) []byte {
	return append([]byte{id, byte(len(payload))}, payload...)
}

func name(s string) []byte {
	return append([]byte{byte(len(s))}, s...)
}

func module(sections ...[]byte) []byte {
	out := append([]byte(nil), header...)
	for _, s := range sections {
		out = append(out, s...)
	}
	return out
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// exportStart экспортирует функцию idx как _start.
func exportStart(idx byte) []byte {
	return section(0x07, concat([]byte{0x01}, name("_start"), []byte{0x00, idx})...)
}

// Empty: пустой модуль, завершается сразу.
func Empty() []byte { return module() }

// Loop: _start крутится бесконечно.
func Loop() []byte {
	return module(
		section(0x01, 0x01, 0x60, 0x00, 0x00),
		section(0x03, 0x01, 0x00),
		exportStart(0x00),
		section(0x0a, 0x01, 0x07, 0x00, 0x03, 0x40, 0x0c, 0x00, 0x0b, 0x0b),
	)
}

// Trap: _start выполняет unreachable.
func Trap() []byte {
	return module(
		section(0x01, 0x01, 0x60, 0x00, 0x00),
		section(0x03, 0x01, 0x00),
		exportStart(0x00),
		section(0x0a, 0x01, 0x03, 0x00, 0x00, 0x0b),
	)
}

// UsesCapabilities: _start по очереди зовет skillgate.use_capability для каждой
// способности и игнорирует ответ.
func UsesCapabilities(caps ...domain.Capability) []byte {
	body := []byte{0x00}
	for _, c := range caps {
		body = append(body, 0x41, byte(c.Code()), 0x10, 0x00, 0x1a)
	}
	body = append(body, 0x0b)

	return module(
		// (i32) -> i32 для импорта, () -> () для _start
		section(0x01, 0x02, 0x60, 0x01, 0x7f, 0x01, 0x7f, 0x60, 0x00, 0x00),
		section(0x02, concat([]byte{0x01}, name("skillgate"), name("use_capability"), []byte{0x00, 0x00})...),
		section(0x03, 0x01, 0x01),
		exportStart(0x01),
		section(0x0a, concat([]byte{0x01, byte(len(body))}, body)...),
	)
}

// Imports: модуль без кода, импортирующий одну функцию () -> ().
func Imports(mod, fn string) []byte {
	return module(
		section(0x01, 0x01, 0x60, 0x00, 0x00),
		section(0x02, concat([]byte{0x01}, name(mod), name(fn), []byte{0x00, 0x00})...),
	)
}

// Bundle упаковывает модуль как единственный файл бандла.
func Bundle(entrypoint string, wasm []byte) domain.Bundle {
	return domain.Bundle{Files: []domain.BundleFile{{Path: entrypoint, Data: wasm}}}
}
