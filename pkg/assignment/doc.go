/*
Package assignment implements the controller's Assignment Service (C5),
the single atomic operation at the center of build dispatch:

	assign(worker_id) -> Build | None | Error

Assign checks the worker's eligibility, then opens one transaction that
selects the oldest pending build with SELECT ... FOR UPDATE SKIP LOCKED,
marks it assigned, and marks the worker building — committing all three
together. Under N concurrent callers and fewer than N pending builds,
each row goes to exactly one caller and the rest observe no work
available; none block on each other's row locks.

Errors are always *ctlerr.Error so pkg/queue can categorize them as
transient (retry later, build stays queued) or permanent (build fails in
the Store).
*/
package assignment
