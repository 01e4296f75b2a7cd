// Package ml provides the pricing ensemble: model kinds, atomic bundle
// loading, the bundle registry and catalog, and the serving facade that
// turns a diamond record into a price estimate.
//
// A bundle couples a fitted feature transformer with an ordered list of
// models. It is loaded all-or-nothing and published by pointer swap, so a
// request always scores against one consistent transformer/model pair.
package ml
