// Package history keeps a per-friend record of calls.
//
// A Store holds friends, one chat per friend and the chat's messages. Call
// records are messages carrying a CallRecord. MemoryStore keeps everything
// in process; RedisStore keeps JSON values in Redis.
//
// Recorder subscribes to a Manager's events and appends a record when each
// call ends:
//
//	store, _ := history.Open(ctx, cfg.History)
//	rec := history.NewRecorder(store, nil)
//	go rec.Run(ctx, manager.Subscribe())
package history
