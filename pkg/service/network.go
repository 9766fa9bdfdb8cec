package service

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"github.com/google/uuid"
	"github.com/gosimple/slug"
)

// Network is a throwaway bridge network private to one stage instance.
// Steps and services attached to it resolve each other by name.
type Network struct {
	Name string
	id   string
}

func NewNetwork(ctx context.Context, stageName string) (*Network, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("unable to create docker client for stage network: %v", err)
	}
	defer cli.Close()

	name := slug.Make(stageName + "-" + uuid.NewString())
	resp, err := cli.NetworkCreate(ctx, name, types.NetworkCreate{Driver: "bridge"})
	if err != nil {
		return nil, fmt.Errorf("unable to create network for stage %s: %v", stageName, err)
	}

	return &Network{Name: name, id: resp.ID}, nil
}

func (n *Network) Remove(ctx context.Context) error {
	if n == nil || n.id == "" {
		return nil
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return fmt.Errorf("unable to create docker client to remove network %s: %v", n.Name, err)
	}
	defer cli.Close()

	if err := cli.NetworkRemove(ctx, n.id); err != nil {
		return fmt.Errorf("unable to remove network %s: %v", n.Name, err)
	}
	n.id = ""
	return nil
}
