// Package session defines the persistence boundary of the agent loop and
// ships an in-memory implementation.
//
// The loop writes the complete, flattened message list after every appended
// message (core.Flatten) and reads it back when a conversation resumes
// (core.Restore). Durable backends live in sub-packages (redisstore,
// mysqlstore); only the wiring layer decides which one to instantiate.
package session
