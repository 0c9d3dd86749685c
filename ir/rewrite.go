// Copyright 2025 The Treebeard Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ir

import (
	"fmt"

	treebeard "github.com/xadupre/treebeard"
	"k8s.io/klog/v2"
)

// Pattern rewrites one op kind into lower-level ops. Rewrite returns the
// replacement ops, spliced in place of the matched op, and one value per
// matched result; uses of the old results are redirected to them.
type Pattern interface {
	Match(op *Op) bool
	Rewrite(b *Builder, op *Op) ([]*Op, []*Value, error)
}

// maxRewriteRounds bounds the driver; a well-formed pattern set converges in
// a handful of rounds, so hitting the cap means a pattern keeps producing
// ops another pattern matches.
const maxRewriteRounds = 64

// ApplyPatterns drives the pattern set over the function to a fixed point,
// then checks that none of the illegal op kinds survive. Any failure aborts
// the pass and is reported against passName.
func ApplyPatterns(b *Builder, f *Func, passName string, patterns []Pattern, illegal []OpKind) error {
	for round := 0; ; round++ {
		if round == maxRewriteRounds {
			return fmt.Errorf("%w: pass %q did not converge after %d rounds",
				treebeard.ErrLoweringFailure, passName, maxRewriteRounds)
		}
		subst := map[*Value]*Value{}
		changed, err := rewriteBlock(b, f.Body, patterns, subst)
		if err != nil {
			return fmt.Errorf("%w: pass %q: %v", treebeard.ErrLoweringFailure, passName, err)
		}
		if len(subst) > 0 {
			substituteBlock(f.Body, subst)
		}
		if !changed {
			break
		}
		klog.V(2).Infof("pass %s: round %d rewrote ops", passName, round)
	}

	for _, kind := range illegal {
		if n := CountOps(f.Body, kind); n > 0 {
			return fmt.Errorf("%w: pass %q left %d %s ops", treebeard.ErrLoweringFailure, passName, n, kind)
		}
	}
	return nil
}

func rewriteBlock(b *Builder, blk *Block, patterns []Pattern, subst map[*Value]*Value) (bool, error) {
	changed := false
	out := make([]*Op, 0, len(blk.Ops))
	for _, op := range blk.Ops {
		matched := false
		for _, p := range patterns {
			if !p.Match(op) {
				continue
			}
			newOps, results, err := p.Rewrite(b, op)
			if err != nil {
				return false, err
			}
			if len(results) != len(op.Results) {
				return false, fmt.Errorf("pattern for %s returned %d results, op has %d",
					op.Kind, len(results), len(op.Results))
			}
			for i, r := range op.Results {
				subst[r] = results[i]
			}
			out = append(out, newOps...)
			matched = true
			changed = true
			break
		}
		if matched {
			continue
		}
		for _, region := range op.Regions {
			c, err := rewriteBlock(b, region, patterns, subst)
			if err != nil {
				return false, err
			}
			changed = changed || c
		}
		out = append(out, op)
	}
	blk.Ops = out
	return changed, nil
}

// substituteBlock redirects every operand through the substitution map,
// chasing chains introduced by cascaded rewrites.
func substituteBlock(blk *Block, subst map[*Value]*Value) {
	resolve := func(v *Value) *Value {
		for {
			n, ok := subst[v]
			if !ok {
				return v
			}
			v = n
		}
	}
	var walk func(blk *Block)
	walk = func(blk *Block) {
		for _, op := range blk.Ops {
			for i, o := range op.Operands {
				op.Operands[i] = resolve(o)
			}
			for _, r := range op.Regions {
				walk(r)
			}
		}
	}
	walk(blk)
}
