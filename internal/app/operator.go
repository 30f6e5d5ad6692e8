package app

import (
	"context"
	"errors"
	"strings"

	"courier/internal/maintenance"
	"courier/internal/resourcepool"
)

type AccountInfo struct {
	Index     int    `json:"index"`
	Name      string `json:"name,omitempty"`
	CloudName string `json:"cloud_name"`
	Active    bool   `json:"active"`
}

// AccountsView lists the rotation without credentials.
type AccountsView struct {
	Mode     string        `json:"mode"`
	Accounts []AccountInfo `json:"accounts"`
}

func accountsView(p *resourcepool.Pool) AccountsView {
	accounts := p.Accounts()
	active := p.Active()
	v := AccountsView{Mode: "rotation", Accounts: make([]AccountInfo, 0, len(accounts))}
	if len(accounts) == 0 {
		v.Mode = "ambient"
	}
	for i, a := range accounts {
		v.Accounts = append(v.Accounts, AccountInfo{
			Index:     i,
			Name:      a.Name,
			CloudName: a.CloudName,
			Active:    !active.Ambient && active.Index == i,
		})
	}
	return v
}

// Accounts returns the configured rotation.
func (c *Core) Accounts() AccountsView { return accountsView(c.Resources) }

// DeleteResource broadcasts a delete of ref to every account. ref is either a
// delivery URL, from which the resource type and id are derived, or a bare id
// deleted as resourceType.
func (c *Core) DeleteResource(ctx context.Context, ref, resourceType string) (resourcepool.Summary, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return resourcepool.Summary{}, errors.New("resource reference is empty")
	}
	id := ref
	if strings.Contains(ref, "://") {
		rt, publicID, err := resourcepool.ParseDeliveryURL(ref)
		if err != nil {
			return resourcepool.Summary{}, err
		}
		id = publicID
		if resourceType == "" {
			resourceType = rt
		}
	}
	return c.Resources.DeleteEverywhere(ctx, id, resourcepool.DeleteOptions{ResourceType: resourceType}), nil
}

// RunMaintenance runs one housekeeping task now with the configured lease TTL
// and retention.
func (c *Core) RunMaintenance(ctx context.Context, task string) (int, error) {
	mc, err := mapMaintenanceConfig(c.Config.Get())
	if err != nil {
		return 0, err
	}
	return maintenance.New(mc, c.Queue, c.Logs.Logger()).RunNow(ctx, task)
}
