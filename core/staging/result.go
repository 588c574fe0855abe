package staging

import (
	"encoding/json"

	"go.uber.org/multierr"
)

type (
	// CallResult records one remote call made for an intent.
	CallResult struct {
		Op      string `json:"op"`
		Subject string `json:"subject,omitempty"`
		Err     error  `json:"-"`
	}

	// Outcome is what publishing one intent produced.
	Outcome struct {
		Intent Intent       `json:"intent"`
		Err    error        `json:"-"`
		Calls  []CallResult `json:"calls,omitempty"`
	}

	// Result partitions the published intents into the ones that fully applied and the ones that did not.
	Result struct {
		Succeeded []Outcome `json:"succeeded"`
		Failed    []Outcome `json:"failed"`
	}
)

func (c CallResult) MarshalJSON() ([]byte, error) {
	type alias CallResult
	return json.Marshal(struct {
		alias
		Error string `json:"error,omitempty"`
	}{alias(c), errString(c.Err)})
}

func (o Outcome) MarshalJSON() ([]byte, error) {
	type alias Outcome
	return json.Marshal(struct {
		alias
		Error string `json:"error,omitempty"`
	}{alias(o), errString(o.Err)})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (r *Result) add(o Outcome) {
	if o.Err != nil {
		r.Failed = append(r.Failed, o)
	} else {
		r.Succeeded = append(r.Succeeded, o)
	}
}

func (r *Result) Total() int { return len(r.Succeeded) + len(r.Failed) }

// OK reports whether every intent applied.
func (r *Result) OK() bool { return len(r.Failed) == 0 }

// Err combines the errors of every failed intent, nil when none failed.
func (r *Result) Err() error {
	var err error
	for _, o := range r.Failed {
		err = multierr.Append(err, o.Err)
	}
	return err
}

// FailedIntents returns the intents to re-stage.
func (r *Result) FailedIntents() []Intent {
	intents := make([]Intent, 0, len(r.Failed))
	for _, o := range r.Failed {
		intents = append(intents, o.Intent)
	}
	return intents
}

// Restage adds the failed intents of `res` back to `store`.
func Restage[T Intent](store *Store[T], res *Result) error {
	var intents []T
	for _, in := range res.FailedIntents() {
		if t, ok := in.(T); ok {
			intents = append(intents, t)
		}
	}
	if len(intents) == 0 {
		return nil
	}
	return store.Add(intents...)
}
