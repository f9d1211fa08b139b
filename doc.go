// Package genqueue feeds generation prompts to a chat-based agent and
// keeps track of what becomes of them.
//
// Applications using genqueue first create a Manager and give it a
// Transport, i.e. the chat connection to the agent. The manager has a
// Store to implement persistent storage. By default, an in memory store
// is used. There are stores for CSV files, SQLite, MySQL and MongoDB in
// the respective sub-packages.
//
// New jobs are added to the manager via the Add method. A job is a prompt
// together with the category (the generation model) it is meant for. Its
// identifier is derived from the prompt, so adding the same prompt twice
// results in a single job.
//
// Run processes the pending jobs of the store. The agent runs one or two
// jobs at a time (see SetSlots), and each category is capped separately
// (see SetCategoryCap). When a slot is free, the scheduler takes the next
// pending job whose category has capacity and submits it. Jobs whose
// category is full are passed over and stay in the queue.
//
// The agent answers without referring to the request it answers. The
// manager therefore classifies every inbound message with the markers of
// a Registry (started, result, limit, error, ...) and attributes it to an
// active job by comparing texts (see Correlator). A job moves through the
// states Pending, Queued, PromptSent, GenerationStarted and WaitingResult
// to one of Completed, Error, Timeout, LimitReached or Skipped. Jobs that
// hit the agent's limit go back to the queue, jobs that timed out are
// retried a configurable number of times, and failed jobs are handed to
// an optional RetryPolicy.
//
// If the manager crashes and gets restarted, jobs the store still reports
// as active are reconciled before scheduling starts. Notice that you are
// responsible to prevent that two concurrent managers try to access the
// same store!
package genqueue
