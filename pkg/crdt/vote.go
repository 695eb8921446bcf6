package crdt

import "maps"

type ballot struct {
	Vote    bool
	Version uint64
}

// Vote tracks one boolean vote per replica. A replica changing its vote bumps
// its own version; merge keeps the higher version per replica.
type Vote struct {
	replica Replica
	ballots map[string]ballot
	dirty   bool
}

// VoteResult is the user-facing value of a Vote.
type VoteResult struct {
	VotesFor int
	Voters   int
	SelfVote bool
}

// AtLeastOne reports whether any replica voted true.
func (r VoteResult) AtLeastOne() bool { return r.VotesFor > 0 }

// Majority reports whether more than half of the voters voted true.
func (r VoteResult) Majority() bool { return r.VotesFor*2 > r.Voters }

// All reports whether every voter voted true.
func (r VoteResult) All() bool { return r.Voters > 0 && r.VotesFor == r.Voters }

// NewVote creates an empty vote bound to r.
func NewVote(r Replica) *Vote {
	return &Vote{replica: r, ballots: make(map[string]ballot)}
}

func (v *Vote) Type() Type { return TypeVote }

func (v *Vote) Value() any { return v.Result() }

// Result tallies the ballots.
func (v *Vote) Result() VoteResult {
	res := VoteResult{Voters: len(v.ballots)}
	for id, b := range v.ballots {
		if b.Vote {
			res.VotesFor++
		}
		if id == v.replica.ID {
			res.SelfVote = b.Vote
		}
	}
	return res
}

// Cast records the local replica's vote.
func (v *Vote) Cast(vote bool) {
	b, ok := v.ballots[v.replica.ID]
	if ok && b.Vote == vote {
		return
	}
	v.ballots[v.replica.ID] = ballot{Vote: vote, Version: b.Version + 1}
	v.dirty = true
}

func (v *Vote) Merge(other Value) error {
	o, ok := other.(*Vote)
	if !ok {
		return mergeTypeError(v, other)
	}
	for id, ob := range o.ballots {
		b, ok := v.ballots[id]
		if !ok || ob.Version > b.Version || (ob.Version == b.Version && ob.Vote && !b.Vote) {
			v.ballots[id] = ob
		}
	}
	return nil
}

func (v *Vote) Delta() Value {
	if !v.dirty {
		return nil
	}
	d := NewVote(v.replica)
	d.ballots[v.replica.ID] = v.ballots[v.replica.ID]
	return d
}

func (v *Vote) HasDelta() bool { return v.dirty }

func (v *Vote) ResetDelta() { v.dirty = false }

func (v *Vote) Clone() Value {
	return &Vote{replica: v.replica, ballots: maps.Clone(v.ballots)}
}

func (v *Vote) bind(r Replica) { v.replica = r }
