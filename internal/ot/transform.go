// Package ot transforms concurrent JSON patch operations so that two
// divergent edit streams converge when each side applies the peer's
// transformed stream on top of its own.
//
// The policy covers array-index reconciliation for add/remove pairs that
// target the same array. Everything else passes through unchanged; equal
// remove/remove indices are returned unchanged so the caller can surface
// the conflict.
package ot

import (
	"fmt"

	"github.com/replicant-sync/replicant-server/internal/jsonptr"
	"github.com/replicant-sync/replicant-server/internal/patch"
)

// Transform rewrites a concurrent (local, remote) operation pair. The
// returned pair keeps the caller's convention: first the transformed local
// op, then the transformed remote op.
func Transform(local, remote patch.Operation) (patch.Operation, patch.Operation, error) {
	switch {
	case local.Op == "add" && remote.Op == "add":
		return transformAddAdd(local, remote)
	case local.Op == "remove" && remote.Op == "remove":
		return transformRemoveRemove(local, remote)
	case local.Op == "add" && remote.Op == "remove":
		return transformAddRemove(local, remote)
	case local.Op == "remove" && remote.Op == "add":
		// Same policy with the roles swapped; swap the result back.
		add, rem, err := transformAddRemove(remote, local)
		return rem, add, err
	default:
		// replace, test, move, copy and mixed pairs pass through; a
		// same-path replace/replace conflict is visible to the caller as
		// the unchanged pair.
		return local, remote, nil
	}
}

// TransformLists transforms every local op against all original remote ops
// in order, and every remote op against all original local ops, producing
// the two streams each side still has to apply. Nullified ops are dropped;
// the first error aborts the batch.
func TransformLists(local, remote []patch.Operation) ([]patch.Operation, []patch.Operation, error) {
	localOut := make([]patch.Operation, 0, len(local))
	for _, l := range local {
		cur := l
		for _, r := range remote {
			var err error
			cur, _, err = Transform(cur, r)
			if err != nil {
				return nil, nil, err
			}
		}
		if cur.Op != "" {
			localOut = append(localOut, cur)
		}
	}

	remoteOut := make([]patch.Operation, 0, len(remote))
	for _, r := range remote {
		cur := r
		for _, l := range local {
			var err error
			_, cur, err = Transform(l, cur)
			if err != nil {
				return nil, nil, err
			}
		}
		if cur.Op != "" {
			remoteOut = append(remoteOut, cur)
		}
	}

	return localOut, remoteOut, nil
}

func transformAddAdd(local, remote patch.Operation) (patch.Operation, patch.Operation, error) {
	li, ri, ok, err := arrayPair(local, remote)
	if err != nil || !ok {
		return local, remote, err
	}

	if li <= ri {
		// Local wins the slot; the remote insert lands one later.
		adjusted, err := jsonptr.AdjustArrayIndex(remote.Path, ri, 1)
		if err != nil {
			return local, remote, err
		}
		remote.Path = adjusted
		return local, remote, nil
	}
	adjusted, err := jsonptr.AdjustArrayIndex(local.Path, li, 1)
	if err != nil {
		return local, remote, err
	}
	local.Path = adjusted
	return local, remote, nil
}

func transformRemoveRemove(local, remote patch.Operation) (patch.Operation, patch.Operation, error) {
	li, ri, ok, err := arrayPair(local, remote)
	if err != nil || !ok {
		return local, remote, err
	}

	switch {
	case li < ri:
		adjusted, err := jsonptr.AdjustArrayIndex(remote.Path, ri, -1)
		if err != nil {
			return local, remote, err
		}
		remote.Path = adjusted
	case li > ri:
		adjusted, err := jsonptr.AdjustArrayIndex(local.Path, li, -1)
		if err != nil {
			return local, remote, err
		}
		local.Path = adjusted
	}
	// Equal indices: both sides removed the same element. Returned
	// unchanged so the caller can treat it as a conflict.
	return local, remote, nil
}

// transformAddRemove takes the pair in (add, remove) order regardless of
// which side was local.
func transformAddRemove(add, rem patch.Operation) (patch.Operation, patch.Operation, error) {
	ai, ri, ok, err := arrayPair(add, rem)
	if err != nil || !ok {
		return add, rem, err
	}

	if ai <= ri {
		// The insert shifts the removal target up.
		adjusted, err := jsonptr.AdjustArrayIndex(rem.Path, ri, 1)
		if err != nil {
			return add, rem, err
		}
		rem.Path = adjusted
		return add, rem, nil
	}
	// The removal happens below the insert point.
	adjusted, err := jsonptr.AdjustArrayIndex(add.Path, ai, -1)
	if err != nil {
		return add, rem, err
	}
	add.Path = adjusted
	return add, rem, nil
}

// arrayPair reports whether both operations target elements of the same
// array: each path carries an array index and both share a parent path.
// Path parse failures abort the transform.
func arrayPair(a, b patch.Operation) (ai, bi int, ok bool, err error) {
	ap, err := jsonptr.Parse(a.Path)
	if err != nil {
		return 0, 0, false, fmt.Errorf("transform %s/%s: %w", a.Op, b.Op, err)
	}
	bp, err := jsonptr.Parse(b.Path)
	if err != nil {
		return 0, 0, false, fmt.Errorf("transform %s/%s: %w", a.Op, b.Op, err)
	}

	ai, aok := ap.LastArrayIndex()
	bi, bok := bp.LastArrayIndex()
	if !aok || !bok {
		return 0, 0, false, nil
	}

	aParent, apok := jsonptr.Parent(a.Path)
	bParent, bpok := jsonptr.Parent(b.Path)
	if !apok || !bpok || aParent != bParent {
		return 0, 0, false, nil
	}
	return ai, bi, true, nil
}
