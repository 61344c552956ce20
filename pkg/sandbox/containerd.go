package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"

	"github.com/cuemby/factorial/pkg/types"
)

// ContainerSandbox runs each unit in its own short-lived container,
// for deployments that need stronger isolation than a bare subprocess
// against untrusted factor code. It speaks to containerd directly
// rather than through a higher-level orchestrator, since a unit's
// lifetime is a single run-to-completion exec, not a managed service.
type ContainerSandbox struct {
	client    *containerd.Client
	namespace string
	imageRef  string
}

func NewContainerSandbox(socketPath, namespace, imageRef string) (*ContainerSandbox, error) {
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to containerd: %w", err)
	}
	return &ContainerSandbox{client: client, namespace: namespace, imageRef: imageRef}, nil
}

func (s *ContainerSandbox) Close() error {
	return s.client.Close()
}

func (s *ContainerSandbox) Run(ctx context.Context, unit types.UnitTask, codeBlob []byte) (Result, error) {
	ctx = namespaces.WithNamespace(ctx, s.namespace)

	image, err := s.client.GetImage(ctx, s.imageRef)
	if err != nil {
		return Result{}, fmt.Errorf("resolve sandbox image %s: %w", s.imageRef, err)
	}

	containerID := fmt.Sprintf("unit-%s-%d-%d", unit.Target, unit.SubID, time.Now().UnixNano())
	container, err := s.client.NewContainer(ctx, containerID,
		containerd.WithNewSnapshot(containerID+"-snapshot", image),
		containerd.WithNewSpec(
			oci.WithImageConfig(image),
			oci.WithProcessArgs("/bin/sh", "-c", "factor-run"),
			oci.WithEnv(envFromArgs(unit)),
		),
	)
	if err != nil {
		return Result{}, fmt.Errorf("create unit container: %w", err)
	}
	defer container.Delete(ctx, containerd.WithSnapshotCleanup)

	var stdout, stderr bytes.Buffer
	task, err := container.NewTask(ctx, cio.NewCreator(cio.WithStreams(bytes.NewReader(codeBlob), &stdout, &stderr)))
	if err != nil {
		return Result{}, fmt.Errorf("create unit task: %w", err)
	}
	defer task.Delete(ctx)

	exitCh, err := task.Wait(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("wait on unit task: %w", err)
	}
	if err := task.Start(ctx); err != nil {
		return Result{}, fmt.Errorf("start unit task: %w", err)
	}

	select {
	case status := <-exitCh:
		if status.Error() != nil {
			return Result{Log: stderr.String()}, fmt.Errorf("unit %s/%d: %w", unit.Target, unit.SubID, status.Error())
		}
		if code := status.ExitCode(); code != 0 {
			return Result{Log: stderr.String()}, fmt.Errorf("unit %s/%d exited %d", unit.Target, unit.SubID, code)
		}
	case <-ctx.Done():
		_, _ = task.Kill(ctx, 9)
		return Result{Log: stderr.String()}, ctx.Err()
	}

	var frame types.Frame
	if err := json.Unmarshal(stdout.Bytes(), &frame); err != nil {
		return Result{Log: stderr.String()}, fmt.Errorf("parse unit result: %w", err)
	}
	return Result{Frame: &frame, Log: stderr.String()}, nil
}
