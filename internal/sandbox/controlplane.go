// Package sandbox provisions isolated execution units through a cluster
// control plane and hands out callable endpoints for them.
package sandbox

import (
	"context"
	"errors"
	"strings"
)

// PodNameAnnotation is set on a claim bound to a warm-pool pod.
const PodNameAnnotation = "agents.x-k8s.io/pod-name"

var ErrNotFound = errors.New("not found")

// ControlPlane is the subset of the cluster API the manager needs. Reads are
// expected to converge eventually; the manager polls.
type ControlPlane interface {
	CreateClaim(ctx context.Context, namespace, name, template string, labels map[string]string) (*Claim, error)
	GetClaim(ctx context.Context, namespace, name string) (*Claim, error)
	DeleteClaim(ctx context.Context, namespace, name string) error
	GetPod(ctx context.Context, namespace, name string) (*Pod, error)
	ListPods(ctx context.Context, namespace, selector string) ([]Pod, error)
}

type Claim struct {
	Name        string
	Namespace   string
	Template    string
	Annotations map[string]string
	// Selector is the label selector the claim's status exposes for its pod.
	Selector   string
	Conditions []Condition
}

type Condition struct {
	Type    string
	Status  string
	Reason  string
	Message string
}

// Failed reports whether the claim's status carries a terminal failure.
func (c *Claim) Failed() (bool, string) {
	for _, cond := range c.Conditions {
		switch {
		case cond.Type == "Failed" && cond.Status == "True":
			return true, conditionText(cond)
		case cond.Type == "Ready" && cond.Status == "False" && strings.Contains(cond.Reason, "Failed"):
			return true, conditionText(cond)
		}
	}
	return false, ""
}

func conditionText(c Condition) string {
	if c.Message != "" {
		return c.Reason + ": " + c.Message
	}
	return c.Reason
}

type Pod struct {
	Name      string
	Namespace string
	IP        string
	Phase     string
	Image     string
	ImageID   string
}

// Running is true once the pod can be addressed.
func (p *Pod) Running() bool {
	return p.Phase == "Running" && p.IP != ""
}

// Endpoint is a weak reference to a running unit. The claim stays the
// source of truth.
type Endpoint struct {
	PodID   string `json:"pod_id"`
	Address string `json:"address"`
}
