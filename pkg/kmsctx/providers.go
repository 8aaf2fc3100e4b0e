package kmsctx

import (
	"context"
	"fmt"
	"strings"

	wrapping "github.com/hashicorp/go-kms-wrapping/v2"
	"github.com/hashicorp/go-kms-wrapping/wrappers/awskms/v2"
	"github.com/hashicorp/go-kms-wrapping/wrappers/azurekeyvault/v2"
	"github.com/hashicorp/go-kms-wrapping/wrappers/gcpckms/v2"

	"github.com/fleecore/corectx/pkg/kek"
)

// BuildCloudWrapper configures (but does not exercise) the real
// go-kms-wrapping wrapper for d's provider. It exists for hosts that want
// to drive a live cloud KMS directly instead of round-tripping the
// request/response envelope through their own transport; the core's
// SubContext never calls this itself, matching spec §1's exclusion of
// KMS transport from the coordination core.
//
// Grounded on the hashicorp/nomad keyring's newKMSWrapper, which builds
// one of these three wrappers and configures it via
// wrapping.WithConfigMap before handing it back to the caller.
func BuildCloudWrapper(ctx context.Context, d *kek.Descriptor) (wrapping.Wrapper, error) {
	if d == nil {
		return nil, fmt.Errorf("nil KEK descriptor")
	}

	switch d.Provider {
	case kek.AWS:
		w := awskms.NewWrapper()
		cfg := map[string]string{
			"region":     d.AWS.Region,
			"kms_key_id": d.AWS.CMK,
		}
		if d.AWS.Endpoint != nil {
			cfg["endpoint"] = "https://" + d.AWS.Endpoint.HostAndPort
		}
		if _, err := w.SetConfig(ctx, wrapping.WithConfigMap(cfg)); err != nil {
			return nil, fmt.Errorf("configuring aws kms wrapper: %w", err)
		}
		return w, nil

	case kek.Azure:
		w := azurekeyvault.NewWrapper()
		cfg := map[string]string{
			"vault_name": vaultNameFromEndpoint(d.Azure.KeyVaultEndpoint.Host),
			"key_name":   d.Azure.KeyName,
		}
		if d.Azure.KeyVersion != "" {
			cfg["key_version"] = d.Azure.KeyVersion
		}
		if _, err := w.SetConfig(ctx, wrapping.WithConfigMap(cfg)); err != nil {
			return nil, fmt.Errorf("configuring azure key vault wrapper: %w", err)
		}
		return w, nil

	case kek.GCP:
		w := gcpckms.NewWrapper()
		cfg := map[string]string{
			"project":    d.GCP.ProjectID,
			"region":     d.GCP.Location,
			"key_ring":   d.GCP.KeyRing,
			"crypto_key": d.GCP.KeyName,
		}
		if _, err := w.SetConfig(ctx, wrapping.WithConfigMap(cfg)); err != nil {
			return nil, fmt.Errorf("configuring gcp ckms wrapper: %w", err)
		}
		return w, nil

	case kek.Local:
		return nil, fmt.Errorf("local provider has no cloud wrapper; use NewLocalWrapper")

	default:
		return nil, fmt.Errorf("unrecognized KMS provider")
	}
}

// vaultNameFromEndpoint extracts the vault name from a full Azure Key
// Vault hostname like "myvault.vault.azure.net".
func vaultNameFromEndpoint(host string) string {
	name, _, found := strings.Cut(host, ".")
	if !found {
		return host
	}
	return name
}
