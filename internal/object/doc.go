// Package object models git repository objects.
//
// Objects are identified by the SHA-1 of their canonical representation,
// "<type> <size>\x00<content>". The package provides the hash type, object
// kinds as encoded in pack files, and parsers for the parts of commits, trees
// and annotated tags that a clone needs to walk the object graph.
package object
