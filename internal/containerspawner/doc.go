// Package containerspawner runs dashboard backends as containers.
//
// Every process slot maps to one container named after its owner and slot
// name. Labels showcase.owner and showcase.process carry the slot identity so
// slots survive a restart of the orchestrator. Resource caps are applied per
// container via spawner.limits.cpu_percent and spawner.limits.memory_percent.
package containerspawner
