/*
Package log provides the global zerolog logger used by the host, the CLI
and workers.

Init configures the level and output once at startup:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

Child loggers attach the fields the rest of the code base filters on:

	logger := log.WithWorkerID(w.id)
	logger.Debug().Int("pid", pid).Msg("Worker spawned")

	log.WithJobID(jobID)   // job_id
	log.WithPool("execute") // pool
	log.WithComponent("host") // component

Workers always log JSON to stderr. The host parses each line and
re-emits it at the record's level, so worker logs end up in the host's
stream with worker_id and pid attached.
*/
package log
