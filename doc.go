// Package txwork provides per-invocation transaction management for
// externally scheduled activities. It sits between a scheduler's dispatch of
// an activity task and the user's activity function, and deterministically
// creates, commits or aborts, and releases a transactional resource scope
// around every invocation — without the activity author writing any
// transaction code.
//
// An activity is a short unit of work invoked by an orchestration engine with
// at-least-once delivery and arbitrary retry timing. Each invocation gets an
// isolated scope (a database session bound to a transaction manager) that is
// committed when the activity returns, aborted when it fails, and released in
// all cases.
//
// # Quick Start
//
//	c := local.New()
//	w, err := worker.New(c,
//	    worker.WithTaskQueue("default"),
//	    worker.WithSessionFactory(sessions),
//	    worker.WithActivities(enrichUser, sendEmail),
//	)
//
// # Architecture
//
// The interception chain (interceptor package) wraps every activity
// invocation; the transactional interceptor always runs first, so further
// interceptors execute inside the transactional window. The guard package holds
// the commit/abort state machine, the scope package owns the per-invocation
// session, and the driver subpackages adapt real databases (pgx, bun, mongo,
// redis) to the session and tx contracts.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based,
// compile-time safe identifiers.
package txwork
