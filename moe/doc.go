// Package moe implements the pieces of a block-sparse mixture of experts:
// a noisy rectifier with annealed noise, a top-k sparsity filter with an
// adaptive threshold, a gater built from them, a block-sparse expert
// transform and the mixture stage that couples one gater with one expert.
//
// Every example carries its own set of active blocks. Activations are stored
// as an index list plus the packed values of those blocks, and parameters
// live in one arena per expert that clones can share.
package moe
