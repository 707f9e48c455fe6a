package nodeagent

import (
	"gpunode/chain/contracts"
	"gpunode/chain/pool"
	"gpunode/internal/ready"
	"gpunode/node/manager"
	"gpunode/node/statecache"
)

// Process-wide handles published once the agent has wired its components.
var (
	DefaultPool       = ready.NewSlot[*pool.Pool]("connection pool")
	DefaultContracts  = ready.NewSlot[*contracts.Contracts]("contracts")
	DefaultStateCache = ready.NewSlot[*statecache.ManagerStateCache]("state cache")
	DefaultManager    = ready.NewSlot[*manager.Manager]("node state manager")
	DefaultAccount    = ready.NewSlot[*Account]("account info")
)

func (a *App) publish() {
	DefaultPool.Set(a.Pool)
	if a.Contracts != nil {
		DefaultContracts.Set(a.Contracts)
	}
	DefaultStateCache.Set(a.Cache)
	DefaultManager.Set(a.Manager)
	DefaultAccount.Set(a.Account)
}
