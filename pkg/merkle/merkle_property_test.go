//go:build property
// +build property

package merkle_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/constitutional-ledger/core/pkg/merkle"
)

// TestBuildTreeDeterminism verifies tree construction is a pure
// function of the leaf list: rebuilding from the same leaves always
// yields the same root.
func TestBuildTreeDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("BuildTree is deterministic", prop.ForAll(
		func(leaves []string) bool {
			nonEmpty := leaves
			if len(nonEmpty) == 0 {
				nonEmpty = []string{"seed"}
			}

			tree1, err1 := merkle.BuildTree(nonEmpty)
			tree2, err2 := merkle.BuildTree(nonEmpty)
			if err1 != nil || err2 != nil {
				return false
			}
			return tree1.Root == tree2.Root
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// TestInclusionProofRoundTrip verifies every leaf's inclusion proof
// verifies against the tree's own root: build a tree, generate a proof
// for each leaf, and confirm VerifyProof accepts it.
func TestInclusionProofRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("every leaf's proof verifies against the tree root", prop.ForAll(
		func(leaves []string) bool {
			if len(leaves) == 0 {
				return true
			}

			tree, err := merkle.BuildTree(leaves)
			if err != nil {
				return false
			}

			for i, leafHash := range tree.Levels[0] {
				proof, err := merkle.GetProof(i, tree.Levels)
				if err != nil {
					return false
				}
				if !merkle.VerifyProof(leafHash, proof, tree.Root) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// TestInclusionProofRejectsWrongRoot verifies a correct proof never
// verifies against an unrelated root — tampering with the expected
// root, not the proof, must still be caught.
func TestInclusionProofRejectsWrongRoot(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("a proof never verifies against an unrelated root", prop.ForAll(
		func(leaves []string, decoy string) bool {
			if len(leaves) == 0 {
				return true
			}

			tree, err := merkle.BuildTree(leaves)
			if err != nil {
				return false
			}
			decoyRoot := decoy + "-tamper"
			if decoyRoot == tree.Root {
				return true
			}

			proof, err := merkle.GetProof(0, tree.Levels)
			if err != nil {
				return false
			}
			return !merkle.VerifyProof(tree.Levels[0][0], proof, decoyRoot)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

// TestProofLengthMatchesTreeHeight verifies proof length equals the
// number of levels above the leaf level, the O(log n) bandwidth bound
// the padding rule requires.
func TestProofLengthMatchesTreeHeight(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("proof length equals tree height above the leaf level", prop.ForAll(
		func(leaves []string) bool {
			if len(leaves) == 0 {
				return true
			}
			tree, err := merkle.BuildTree(leaves)
			if err != nil {
				return false
			}
			proof, err := merkle.GetProof(0, tree.Levels)
			if err != nil {
				return false
			}
			return len(proof) == len(tree.Levels)-1
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
