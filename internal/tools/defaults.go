package tools

import (
	"github.com/yorkeccak/patentchat/internal/artifacts"
	"github.com/yorkeccak/patentchat/internal/patentcache"
	"github.com/yorkeccak/patentchat/internal/sandbox"
)

type Deps struct {
	Patents   patentcache.Store
	Search    Searcher
	Sandbox   sandbox.Provisioner
	Artifacts *artifacts.Store
}

// NewDefaultRegistry wires the full tool surface the assistant ships with.
func NewDefaultRegistry(d Deps) *Registry {
	r := NewRegistry()
	r.Register(NewPatentSearchTool(d.Patents, d.Search))
	r.Register(NewReadFullPatentTool(d.Patents))
	r.Register(NewWebSearchTool(d.Search))
	r.Register(NewCodeExecutionTool(d.Sandbox))
	r.Register(NewCreateChartTool(d.Artifacts))
	r.Register(NewCreateCSVTool(d.Artifacts))
	return r
}
