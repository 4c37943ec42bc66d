package byzantine

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sasha-s/go-deadlock"

	"consensus-core/internal/logger"
	"consensus-core/internal/validator"
)

// Registry is the read side of the validator manager DetectFaults consults.
type Registry interface {
	Get(id validator.ID) (validator.Validator, bool)
}

// Slasher is the write side of the validator manager ProcessFaults drives.
type Slasher interface {
	ApplySlashing(id validator.ID, fractionBps uint64) (uint64, error)
	AdjustReputation(id validator.ID, delta int64) (uint64, error)
	SetStatus(id validator.ID, status validator.Status) error
}

type event struct {
	seq        uint64
	height     uint64
	round      uint32
	missed     uint32
	sigA, sigB []byte
	hash       []byte
	note       string
	recordedAt int64
	consumed   bool
}

type record struct {
	doubleSigns []event
	liveness    []event
	invalid     []event
}

func (r *record) empty() bool {
	return len(r.doubleSigns) == 0 && len(r.liveness) == 0 && len(r.invalid) == 0
}

// Detector stores raw evidence per validator. Recording is cheap and never
// blocks on slashing; classification happens in DetectFaults.
type Detector struct {
	mu deadlock.Mutex

	params  Params
	log     *logger.Logger
	now     func() time.Time
	seq     uint64
	records map[validator.ID]*record
	audit   []Outcome
}

func NewDetector(params Params, log *logger.Logger) *Detector {
	if log == nil {
		log = logger.NewNop()
	}
	return &Detector{
		params:  params,
		log:     log,
		now:     time.Now,
		records: make(map[validator.ID]*record),
	}
}

// SetClock overrides the time source.
func (d *Detector) SetClock(now func() time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now = now
}

func (d *Detector) recordFor(id validator.ID) *record {
	r, ok := d.records[id]
	if !ok {
		r = &record{}
		d.records[id] = r
	}
	return r
}

func (d *Detector) appendEvent(list []event, ev event) []event {
	d.seq++
	ev.seq = d.seq
	ev.recordedAt = d.now().Unix()
	list = append(list, ev)
	if limit := d.params.MaxEventsPerType; limit > 0 && len(list) > limit {
		list = append(list[:0], list[len(list)-limit:]...)
	}
	return list
}

// RecordDoubleSign stores two distinct signatures by one validator at the
// same height and round.
func (d *Detector) RecordDoubleSign(id validator.ID, height uint64, round uint32, sigA, sigB []byte) error {
	if len(sigA) == 0 || len(sigB) == 0 {
		return fmt.Errorf("%w: empty signature", ErrInvalidEvidence)
	}
	if bytes.Equal(sigA, sigB) {
		return ErrNotEquivocation
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	r := d.recordFor(id)
	for _, ev := range r.doubleSigns {
		if ev.height == height && ev.round == round {
			return nil
		}
	}
	r.doubleSigns = d.appendEvent(r.doubleSigns, event{
		height: height,
		round:  round,
		sigA:   append([]byte(nil), sigA...),
		sigB:   append([]byte(nil), sigB...),
	})
	d.log.Warnf("double-sign evidence for %s at %d/%d", id.Short(), height, round)
	return nil
}

// RecordLivenessViolation accumulates a missed-participation event.
func (d *Detector) RecordLivenessViolation(id validator.ID, height uint64, missedRounds uint32) {
	if missedRounds == 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	r := d.recordFor(id)
	r.liveness = d.appendEvent(r.liveness, event{height: height, missed: missedRounds})
	d.log.Printf("liveness violation for %s at %d, missed %d rounds (%d events)", id.Short(), height, missedRounds, len(r.liveness))
}

// RecordInvalidProposal accumulates an invalid-proposal event. Repeats of
// the same proposal at one height and round count once.
func (d *Detector) RecordInvalidProposal(id validator.ID, height uint64, round uint32, proposalHash []byte, description string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	r := d.recordFor(id)
	for _, ev := range r.invalid {
		if ev.height == height && ev.round == round && bytes.Equal(ev.hash, proposalHash) {
			return
		}
	}
	r.invalid = d.appendEvent(r.invalid, event{
		round:  round,
		height: height,
		hash:   append([]byte(nil), proposalHash...),
		note:   description,
	})
	d.log.Printf("invalid proposal from %s at %d/%d: %s", id.Short(), height, round, description)
}

// DetectFaults aggregates qualifying, unprocessed evidence into at most one
// fault per validator and type. Validators already slashed to zero are skipped.
// It never fails; no evidence yields an empty slice.
func (d *Detector) DetectFaults(reg Registry) []Fault {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now().Unix()
	var faults []Fault
	for id, r := range d.records {
		if reg != nil {
			if v, ok := reg.Get(id); ok && v.Status == validator.StatusSlashed {
				continue
			}
		}
		if f, ok := d.classifyDoubleSign(id, r); ok {
			faults = append(faults, f)
		}
		if f, ok := d.classifyLiveness(id, r); ok {
			faults = append(faults, f)
		}
		if f, ok := d.classifyInvalid(id, r); ok {
			faults = append(faults, f)
		}
	}
	for i := range faults {
		faults[i].DetectedAt = now
	}
	sort.Slice(faults, func(i, j int) bool {
		if faults[i].Validator != faults[j].Validator {
			return faults[i].Validator.Less(faults[j].Validator)
		}
		return faults[i].Type < faults[j].Type
	})
	return faults
}

// pending returns the unconsumed events, the highest seq and the latest height.
func pending(events []event) (n int, upTo, height uint64) {
	for _, ev := range events {
		if ev.consumed {
			continue
		}
		n++
		if ev.seq > upTo {
			upTo = ev.seq
		}
		if ev.height > height {
			height = ev.height
		}
	}
	return n, upTo, height
}

func (d *Detector) classifyDoubleSign(id validator.ID, r *record) (Fault, bool) {
	n, upTo, height := pending(r.doubleSigns)
	if n == 0 {
		return Fault{}, false
	}
	return Fault{
		Validator: id,
		Type:      FaultDoubleSign,
		Severity:  SeverityCritical,
		Evidence:  fmt.Sprintf("%d conflicting signature pair(s), latest at height %d", n, height),
		Height:    height,
		Events:    n,
		upTo:      upTo,
	}, true
}

func (d *Detector) classifyLiveness(id validator.ID, r *record) (Fault, bool) {
	n, upTo, height := pending(r.liveness)
	if n == 0 {
		return Fault{}, false
	}
	total := len(r.liveness)
	if total == 1 && r.liveness[0].missed <= 1 {
		return Fault{}, false
	}
	severity := SeverityMinor
	if total > d.params.LivenessEscalation {
		severity = SeverityCritical
	}
	var missed uint64
	for _, ev := range r.liveness {
		missed += uint64(ev.missed)
	}
	return Fault{
		Validator: id,
		Type:      FaultLiveness,
		Severity:  severity,
		Evidence:  fmt.Sprintf("%d liveness violations, %d missed rounds, latest at height %d", total, missed, height),
		Height:    height,
		Events:    n,
		upTo:      upTo,
	}, true
}

func (d *Detector) classifyInvalid(id validator.ID, r *record) (Fault, bool) {
	n, upTo, height := pending(r.invalid)
	if n == 0 || len(r.invalid) < d.params.InvalidProposalThreshold {
		return Fault{}, false
	}
	last := r.invalid[len(r.invalid)-1]
	return Fault{
		Validator: id,
		Type:      FaultInvalidProposal,
		Severity:  SeverityMajor,
		Evidence:  fmt.Sprintf("%d invalid proposals, latest at height %d: %s", len(r.invalid), height, last.note),
		Height:    height,
		Events:    n,
		upTo:      upTo,
	}, true
}

// ProcessFaults applies the penalty for each fault and marks its evidence
// consumed. Evidence is claimed before slashing, so a fault whose evidence was
// already processed, possibly through another DetectFaults result, is dropped
// without a penalty. Faults against validators no longer registered are
// logged and skipped.
func (d *Detector) ProcessFaults(faults []Fault, s Slasher) []Outcome {
	outcomes := make([]Outcome, 0, len(faults))
	for _, f := range faults {
		d.mu.Lock()
		claimed := d.claimLocked(f)
		d.mu.Unlock()
		if !claimed {
			d.log.Printf("dropping %s: evidence already processed", f)
			continue
		}

		out := Outcome{Fault: f}
		p := d.params.penalty(f.Severity)

		slashed, err := s.ApplySlashing(f.Validator, p.SlashBps)
		switch {
		case errors.Is(err, validator.ErrValidatorNotFound):
			d.log.Warnf("skipping %s: validator no longer registered", f)
			out.Skipped = true
		case err != nil:
			d.log.Errorf("slashing %s: %v", f, err)
			out.Skipped = true
		default:
			out.Slashed = slashed
			if rep, err := s.AdjustReputation(f.Validator, p.ReputationDelta); err == nil {
				out.Reputation = rep
			}
			if f.Type == FaultLiveness && f.Severity == SeverityCritical {
				if err := s.SetStatus(f.Validator, validator.StatusOffline); err != nil {
					d.log.Warnf("set %s offline: %v", f.Validator.Short(), err)
				}
			}
			d.log.Warnf("processed %s: slashed %d", f, slashed)
		}

		d.mu.Lock()
		out.ProcessedAt = d.now().Unix()
		d.audit = append(d.audit, out)
		d.mu.Unlock()

		outcomes = append(outcomes, out)
	}
	return outcomes
}

// claimLocked consumes the events f was built from. It reports false when
// none of them is still pending.
func (d *Detector) claimLocked(f Fault) bool {
	r, ok := d.records[f.Validator]
	if !ok {
		return false
	}
	var list []event
	switch f.Type {
	case FaultDoubleSign:
		list = r.doubleSigns
	case FaultLiveness:
		list = r.liveness
	case FaultInvalidProposal:
		list = r.invalid
	}
	claimed := false
	for i := range list {
		if list[i].seq <= f.upTo && !list[i].consumed {
			list[i].consumed = true
			claimed = true
		}
	}
	return claimed
}

// CleanupOldRecords evicts evidence and audit entries older than maxAge.
// A zero maxAge clears everything.
func (d *Detector) CleanupOldRecords(maxAge time.Duration) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	if maxAge <= 0 {
		n := 0
		for _, r := range d.records {
			n += len(r.doubleSigns) + len(r.liveness) + len(r.invalid)
		}
		d.records = make(map[validator.ID]*record)
		d.audit = nil
		return n
	}

	cutoff := d.now().Add(-maxAge).Unix()
	keep := func(list []event) ([]event, int) {
		out := list[:0]
		for _, ev := range list {
			if ev.recordedAt >= cutoff {
				out = append(out, ev)
			}
		}
		return out, len(list) - len(out)
	}

	evicted := 0
	for id, r := range d.records {
		var n int
		r.doubleSigns, n = keep(r.doubleSigns)
		evicted += n
		r.liveness, n = keep(r.liveness)
		evicted += n
		r.invalid, n = keep(r.invalid)
		evicted += n
		if r.empty() {
			delete(d.records, id)
		}
	}

	audit := d.audit[:0]
	for _, o := range d.audit {
		if o.ProcessedAt >= cutoff {
			audit = append(audit, o)
		}
	}
	d.audit = audit
	return evicted
}

// AuditLog returns processed faults still retained.
func (d *Detector) AuditLog() []Outcome {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Outcome(nil), d.audit...)
}

// PendingEvidence counts retained, unprocessed evidence events.
func (d *Detector) PendingEvidence() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, r := range d.records {
		for _, list := range [][]event{r.doubleSigns, r.liveness, r.invalid} {
			c, _, _ := pending(list)
			n += c
		}
	}
	return n
}
