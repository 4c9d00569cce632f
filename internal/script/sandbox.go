package script

import (
	"strings"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// removedGlobals are base library functions that reach outside the sandbox.
var removedGlobals = []string{
	"dofile",
	"loadfile",
	"load",
	"loadstring",
	"require",
	"module",
	"getfenv",
	"setfenv",
	"collectgarbage",
}

// installSandbox opens the safe standard libraries and replaces print with
// a logger-backed version.
//
// io, os, debug, package and coroutine are never opened.
func installSandbox(L *lua.LState, logger *zap.Logger) {
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	for _, name := range removedGlobals {
		L.SetGlobal(name, lua.LNil)
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	L.SetGlobal("print", L.NewFunction(func(L *lua.LState) int {
		parts := make([]string, 0, L.GetTop())
		for i := 1; i <= L.GetTop(); i++ {
			parts = append(parts, L.ToStringMeta(L.Get(i)).String())
		}
		logger.Info("lua print", zap.String("message", strings.Join(parts, "\t")))
		return 0
	}))
}
