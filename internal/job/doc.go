// Package job defines the pipeline job record and its state machine.
//
// A Job moves queued → downloading → normalizing → transcribing → completed,
// and may fail from any non-terminal state. Mutations go through methods that
// enforce the transition table and keep at most one stage running, so the
// orchestrator cannot persist an inconsistent record.
package job
