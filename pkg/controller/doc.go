/*
Package controller composes the controller process.

A Controller is built once from a config.Config: it opens the Postgres
store and runs its migrations, opens artifact storage, starts the event
broker, and constructs the Queue Manager, Assignment Service, Heartbeat
Monitor, and Auth Gate on top of the store — then wires all of it into
the chi handler pkg/httpapi returns.

Start and Shutdown are split from New deliberately: New can fail fast on
bad configuration or an unreachable database without anything running
yet, and Shutdown tears components down in the reverse order a request
would need them — HTTP first, then the sweep loop, then the broker, then
the store connection pool last.
*/
package controller
