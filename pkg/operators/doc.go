// Package operators wires pkg/window and pkg/join into the task-based
// executor of pkg/engine: concrete OperatorHandler/ExecutablePipelineStage
// pairs that a compiled query plan addresses by OperatorId (spec.md §6, §9
// "a fixed vocabulary of operator behaviors").
//
// Grounded on codefang's pkg/framework stage wiring, adapted because
// codefang fuses git-object transforms into stages where this package fuses
// window/join operators; see DESIGN.md.
package operators
