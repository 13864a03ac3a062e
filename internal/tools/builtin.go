package tools

// RegisterBuiltins adds the standard tool set to a registry. Per-agent
// visibility is applied later via Schemas' allow-list, not here.
func RegisterBuiltins(r *Registry) {
	r.Register(&MemoryReadTool{})
	r.Register(&MemoryWriteTool{})
	r.Register(&SharedReadTool{})
	r.Register(&SharedWriteTool{})
	r.Register(&SharedSearchTool{})
	r.Register(&SharedLogTool{})
	r.Register(&ExecTool{})
	r.Register(&NotifyTool{})
	r.Register(&SpawnAgentTool{})
	r.Register(&YieldTool{})
	r.Register(&ConfigureAgentTool{})
	r.Register(&ListAgentsTool{})
	r.Register(&ListToolsTool{})
}
