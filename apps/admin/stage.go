package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/pkg/errors"

	"github.com/pawtograder/staging/apps"
	"github.com/pawtograder/staging/core"
	"github.com/pawtograder/staging/core/staging"
	"github.com/pawtograder/staging/core/views"
)

// adminActor publishes the plans staged from the command line.
var adminActor = staging.Actor{ID: "admin", Name: "admin"}

type (
	planGroup struct {
		Name        string           `json:"name" validate:"required,notblank"`
		MemberIDs   []string         `json:"member_ids" validate:"required,min=1,unique"`
		PriorGroups map[string]int64 `json:"prior_groups"`
	}

	planMove struct {
		SubjectID   string `json:"subject_id" validate:"required,notblank"`
		FromGroupID *int64 `json:"from_group_id"`
		ToGroupID   *int64 `json:"to_group_id" validate:"required_without=FromGroupID"`
	}

	// plan is a batch of group changes for one assignment.
	plan struct {
		ClassID      int64       `json:"class_id" validate:"required,gt=0"`
		AssignmentID int64       `json:"assignment_id" validate:"required,gt=0"`
		MinSize      int         `json:"min_group_size" validate:"gte=0"`
		MaxSize      int         `json:"max_group_size" validate:"omitempty,gtefield=MinSize"`
		Groups       []planGroup `json:"groups" validate:"dive"`
		Moves        []planMove  `json:"moves" validate:"dive"`
	}
)

func (p plan) intents() []staging.GroupIntent {
	intents := make([]staging.GroupIntent, 0, len(p.Groups)+len(p.Moves))
	for _, g := range p.Groups {
		intents = append(intents, staging.NewGroupCreate(g.Name, g.MemberIDs, g.PriorGroups))
	}
	for _, m := range p.Moves {
		intents = append(intents, staging.NewMemberMove(m.SubjectID, m.FromGroupID, m.ToGroupID))
	}
	return intents
}

func loadPlan(path string) (plan, error) {
	var p plan
	data, err := os.ReadFile(path)
	if err != nil {
		return p, errors.Wrap(err, "reading plan")
	}
	if err = json.Unmarshal(data, &p); err != nil {
		return p, errors.Wrap(err, "decoding plan")
	}
	validate, translator := core.NewValidator()
	if err = core.CheckStruct(validate, translator, p); err != nil {
		return p, err
	}
	if len(p.Groups)+len(p.Moves) == 0 {
		return p, core.NewValidationError(errors.New("plan has no groups nor moves"))
	}
	return p, nil
}

// stage stages the plan in a fresh store, prints the roster diff and publishes it when asked to.
func (cli *commandLine) stage(path string, publish bool, orderName string) error {
	order, err := staging.ParseOrder(orderName)
	if err != nil {
		return apps.NewArgumentError(err.Error())
	}
	p, err := loadPlan(path)
	if err != nil {
		return err
	}

	store := staging.NewGroupStore(staging.GroupRules{MinSize: p.MinSize, MaxSize: p.MaxSize})
	if err = store.Add(p.intents()...); err != nil {
		return errors.Wrap(err, "staging plan")
	}

	ctx := staging.WithActor(context.Background(), adminActor)
	backend, closeBackend, err := cli.openBackend(ctx, cli.conf)
	if err != nil {
		return err
	}
	defer func() {
		if cErr := closeBackend(); cErr != nil {
			cli.logger.Error("closing backend", cErr)
		}
	}()

	published, err := backend.ListGroups(ctx, p.ClassID, p.AssignmentID)
	if err != nil {
		return errors.Wrap(err, "listing groups")
	}
	diff, err := views.Diff(published, views.Preview(published, store.List()))
	if err != nil {
		return errors.Wrap(err, "diffing roster")
	}
	fmt.Fprintf(cli.out, "%d intents staged (%s)\n", store.Len(), store.State())
	fmt.Fprint(cli.out, diff)

	if !publish {
		return nil
	}

	pub := staging.NewPublisher(
		staging.PublisherDeps{
			Backend:  backend,
			Reporter: &staging.LogReporter{Log: cli.logger},
			Logger:   cli.logger,
		},
		apps.PublishOptions(cli.conf),
	)
	res, err := pub.PublishGroups(ctx, store, staging.GroupTarget{ClassID: p.ClassID, AssignmentID: p.AssignmentID}, order)
	if err != nil {
		return errors.Wrap(err, "publishing plan")
	}
	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding result")
	}
	fmt.Fprintln(cli.out, string(out))
	return errors.Wrap(res.Err(), "publish incomplete")
}

func (cli *commandLine) roster(classID, assignmentID int64) error {
	ctx := context.Background()
	backend, closeBackend, err := cli.openBackend(ctx, cli.conf)
	if err != nil {
		return err
	}
	defer func() {
		if cErr := closeBackend(); cErr != nil {
			cli.logger.Error("closing backend", cErr)
		}
	}()

	groups, err := backend.ListGroups(ctx, classID, assignmentID)
	if err != nil {
		return errors.Wrap(err, "listing groups")
	}
	for _, line := range views.Lines(groups) {
		fmt.Fprint(cli.out, line)
	}
	return nil
}
