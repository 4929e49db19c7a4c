// Package main hosts the geolink service entrypoint.
//
// Architecture overview:
//   - Redirects: GET /{linkID} resolves the link through a cache-aside resolver (memory or Redis in front of
//     Postgres), picks the destination for the CF-IPCountry header, answers 302 and only then hands the click to the
//     ingest pipeline.
//   - Ingest: a bounded buffer drained by a fixed worker pool forwards every click to the durable queue (memory,
//     Pub/Sub or asynq) and geolocated clicks to the per-account tracker actor. A full buffer rejects the click rather
//     than slowing the redirect.
//   - Tracker: one actor per account keeps a rolling per-window, per-country aggregate and streams a snapshot plus
//     live updates to websocket observers on /click-socket.
//   - Consumer & scheduler: the queue consumer appends clicks to Postgres and feeds the per-link scheduler actor,
//     which starts a destination evaluation when its policy fires (24h cool-down by default).
//   - Evaluation workflow: render, classify and persist steps run on a checkpointed engine. Each step output is saved
//     before the next step starts, so runs resume at their cursor after a restart.
//
// Commands:
//   - serve: HTTP server, ingest pipeline, actors, workflow engine and (optionally) the in-process consumer.
//   - consume: queue consumer, scheduler and workflow engine only.
//   - evaluate: one synchronous evaluation of a destination URL.
//   - migrate: applies the Postgres schema.
//
// Configuration comes from an optional YAML file (--config) and GEOLINK_* environment variables, for example
// GEOLINK_SERVER_PORT, GEOLINK_DATABASE_DSN, GEOLINK_QUEUE_BACKEND and GEOLINK_RENDER_BACKEND.
package main
