package policy

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"
	lua "github.com/yuin/gopher-lua"

	"github.com/mpataki/testorch/internal/models"
)

const scriptTimeout = time.Second

// Script is a heal policy written in Lua. The script defines
//
//	function choose(run) ... end
//
// receiving the failing run as a table and returning "test_patch",
// "code_diagnosis" or "none".
type Script struct {
	source   string
	fallback Selector
	logger   *log.Logger
}

func LoadScript(path string, fallback Selector, logger *log.Logger) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy script: %w", err)
	}
	return NewScript(string(data), fallback, logger)
}

// NewScript checks that source defines choose before returning.
func NewScript(source string, fallback Selector, logger *log.Logger) (*Script, error) {
	if fallback == nil {
		fallback = Static(models.HealNone)
	}
	if logger == nil {
		logger = log.Default()
	}
	s := &Script{source: source, fallback: fallback, logger: logger}

	L := s.newState(context.Background())
	defer L.Close()
	if err := L.DoString(source); err != nil {
		return nil, fmt.Errorf("failed to load policy script: %w", err)
	}
	if _, ok := L.GetGlobal("choose").(*lua.LFunction); !ok {
		return nil, fmt.Errorf("policy script must define a 'choose' function")
	}
	return s, nil
}

// Choose evaluates the script for run in a fresh interpreter.
func (s *Script) Choose(ctx context.Context, run *models.RunResult) (models.HealKind, error) {
	ctx, cancel := context.WithTimeout(ctx, scriptTimeout)
	defer cancel()

	L := s.newState(ctx)
	defer L.Close()

	if err := L.DoString(s.source); err != nil {
		return models.HealNone, fmt.Errorf("failed to load policy script: %w", err)
	}

	L.Push(L.GetGlobal("choose"))
	L.Push(runToTable(L, run))
	if err := L.PCall(1, 1, nil); err != nil {
		return models.HealNone, fmt.Errorf("policy script failed: %w", err)
	}
	ret := L.Get(-1)
	L.Pop(1)

	switch ret {
	case lua.LNil, lua.LString(None):
		return models.HealNone, nil
	}
	name, ok := ret.(lua.LString)
	if !ok {
		return models.HealNone, fmt.Errorf("choose returned %s, want a string", ret.Type())
	}
	kind := models.HealKind(name)
	if !kind.Valid() {
		return models.HealNone, fmt.Errorf("choose returned unknown heal kind %q", string(name))
	}
	return kind, nil
}

// Selector adapts the script for the engine. Script errors fall back to the
// configured static choice.
func (s *Script) Selector(ctx context.Context) Selector {
	return func(run *models.RunResult) models.HealKind {
		kind, err := s.Choose(ctx, run)
		if err != nil {
			fallback := s.fallback(run)
			s.logger.Warn("heal policy script failed, using fallback", "err", err, "run", run.ID, "kind", fallback)
			return fallback
		}
		return kind
	}
}

func (s *Script) newState(ctx context.Context) *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	L.SetContext(ctx)
	openSafeLibs(L)
	L.SetGlobal("log", L.NewFunction(func(L *lua.LState) int {
		s.logger.Info(L.CheckString(1))
		return 0
	}))
	return L
}

// openSafeLibs exposes only side-effect free libraries: no io, os, or
// module loading, and no randomness.
func openSafeLibs(L *lua.LState) {
	lua.OpenBase(L)
	for _, name := range []string{"loadfile", "dofile", "load", "loadstring", "print", "require", "module"} {
		L.SetGlobal(name, lua.LNil)
	}

	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	if tbl, ok := L.GetGlobal("math").(*lua.LTable); ok {
		L.SetField(tbl, "random", lua.LNil)
		L.SetField(tbl, "randomseed", lua.LNil)
	}
}

func runToTable(L *lua.LState, run *models.RunResult) *lua.LTable {
	tbl := L.NewTable()
	L.SetField(tbl, "id", lua.LString(run.ID))
	L.SetField(tbl, "project_id", lua.LString(run.ProjectID))
	L.SetField(tbl, "artifact_id", lua.LString(run.ArtifactID))
	L.SetField(tbl, "pass_count", lua.LNumber(run.PassCount))
	L.SetField(tbl, "fail_count", lua.LNumber(run.FailCount))
	L.SetField(tbl, "error_count", lua.LNumber(run.ErrorCount))
	L.SetField(tbl, "reward", lua.LNumber(run.Reward))
	L.SetField(tbl, "logs", lua.LString(run.RawLogs))
	return tbl
}
