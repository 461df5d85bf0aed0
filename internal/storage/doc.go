// Package storage persists what a clone produces: content-addressed loose
// objects, references and the repository config.
//
// Objects written during a clone go to a quarantine directory under
// objects/ and are only promoted into the object database once the whole
// pack has been received and verified. References are applied as a single
// transaction after promotion, so a reference never points at an object
// graph that is not fully stored.
package storage
