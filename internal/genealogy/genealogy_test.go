package genealogy_test

import (
	"context"
	"errors"
	"testing"

	"github.com/atmx/binary-engine/internal/apperr"
	"github.com/atmx/binary-engine/internal/genealogy"
	"github.com/atmx/binary-engine/internal/model"
	"github.com/atmx/binary-engine/internal/store"
)

// newTree builds:
//
//	      A
//	    /   \
//	   B     C
//	  / \     \
//	 D   E     F
//	/
//	G
func newTree(t *testing.T) *store.MemoryStore {
	t.Helper()
	ctx := context.Background()
	ms := store.NewMemoryStore()
	for _, id := range []string{"A", "B", "C", "D", "E", "F", "G"} {
		if err := ms.CreateParticipant(ctx, &model.Participant{ID: id, Name: "Member " + id, IsActive: id != "E"}); err != nil {
			t.Fatal(err)
		}
	}
	edges := []model.TreeEdge{
		{ParticipantID: "B", SponsorID: "A", Side: model.Left},
		{ParticipantID: "C", SponsorID: "A", Side: model.Right},
		{ParticipantID: "D", SponsorID: "B", Side: model.Left},
		{ParticipantID: "E", SponsorID: "B", Side: model.Right},
		{ParticipantID: "F", SponsorID: "C", Side: model.Right},
		{ParticipantID: "G", SponsorID: "D", Side: model.Left},
	}
	for i := range edges {
		if err := ms.InsertEdge(ctx, &edges[i]); err != nil {
			t.Fatal(err)
		}
	}
	return ms
}

func TestTree_BoundedDepth(t *testing.T) {
	svc := genealogy.NewService(newTree(t))

	root, err := svc.Tree(context.Background(), "A", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if root.ID != "A" || root.Left == nil || root.Right == nil {
		t.Fatalf("unexpected root %+v", root)
	}
	if root.Left.ID != "B" || root.Left.Side != model.Left || root.Right.ID != "C" {
		t.Errorf("unexpected children %s/%s", root.Left.ID, root.Right.ID)
	}
	if root.Left.Left == nil || root.Left.Left.ID != "D" {
		t.Fatalf("expected D at depth 2")
	}
	if root.Left.Left.Left != nil {
		t.Errorf("G is below the requested depth but was rendered")
	}
	if root.Left.Right.IsActive {
		t.Errorf("expected E inactive")
	}
	if root.Right.Left != nil || root.Right.Right.ID != "F" {
		t.Errorf("unexpected C subtree %+v", root.Right)
	}
}

func TestTree_DefaultDepthAndLeaf(t *testing.T) {
	svc := genealogy.NewService(newTree(t))

	root, err := svc.Tree(context.Background(), "A", 0)
	if err != nil {
		t.Fatal(err)
	}
	if root.Left.Left.Left == nil || root.Left.Left.Left.ID != "G" {
		t.Errorf("default depth 3 should reach G")
	}

	leaf, err := svc.Tree(context.Background(), "G", 5)
	if err != nil {
		t.Fatal(err)
	}
	if leaf.Left != nil || leaf.Right != nil {
		t.Errorf("leaf has children %+v", leaf)
	}
}

func TestTree_UnknownRoot(t *testing.T) {
	svc := genealogy.NewService(newTree(t))
	if _, err := svc.Tree(context.Background(), "ghost", 3); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestTeam_CountsPerLeg(t *testing.T) {
	svc := genealogy.NewService(newTree(t))

	stats, err := svc.Team(context.Background(), "A")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.LeftChild != "B" || stats.RightChild != "C" {
		t.Errorf("unexpected direct children %+v", stats)
	}
	if stats.LeftCount != 4 || stats.RightCount != 2 || stats.Total() != 6 {
		t.Errorf("unexpected counts %+v", stats)
	}
	if stats.LeftDepth != 3 || stats.RightDepth != 2 {
		t.Errorf("unexpected depths %+v", stats)
	}

	stats, err = svc.Team(context.Background(), "F")
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total() != 0 || stats.LeftChild != "" {
		t.Errorf("expected empty team for leaf, got %+v", stats)
	}
}
