// Package kek implements the key-encryption-key descriptor: a tagged
// variant describing how a DEK is wrapped, with a parser and serializer
// that round-trip exactly across the four supported providers.
//
// BSON decoding itself is an external collaborator (see spec §1); this
// package operates on the already-decoded document shape a BSON codec
// would hand back, represented here as Document (a string-keyed map, the
// same shape drivers commonly expose as bson.M).
package kek

import (
	"fmt"

	"github.com/fleecore/corectx/pkg/endpoint"
)

// Provider is the tag discriminating which sub-record of a Descriptor is
// valid.
type Provider int

const (
	// Unknown is the zero value; a Descriptor is never valid in this state.
	Unknown Provider = iota
	AWS
	Azure
	GCP
	Local
)

func (p Provider) String() string {
	switch p {
	case AWS:
		return "aws"
	case Azure:
		return "azure"
	case GCP:
		return "gcp"
	case Local:
		return "local"
	default:
		return "unknown"
	}
}

// Document is the decoded document shape parsed and produced by this
// package. Keys match the wire field names in spec §6.
type Document map[string]any

// AWSParams holds the AWS KMS sub-record. CMK and Region are required;
// Endpoint is optional.
type AWSParams struct {
	CMK      string
	Region   string
	Endpoint *endpoint.Endpoint
}

// AzureParams holds the Azure Key Vault sub-record. KeyVaultEndpoint and
// KeyName are required; KeyVersion is optional.
type AzureParams struct {
	KeyVaultEndpoint *endpoint.Endpoint
	KeyName          string
	KeyVersion       string // empty means absent
}

// GCPParams holds the GCP KMS sub-record. ProjectID, Location, KeyRing,
// and KeyName are required; KeyVersion and Endpoint are optional.
type GCPParams struct {
	ProjectID  string
	Location   string
	KeyRing    string
	KeyName    string
	KeyVersion string // empty means absent
	Endpoint   *endpoint.Endpoint
}

// Descriptor is the tagged variant over the four KMS providers. Only the
// sub-record selected by Provider is valid; the others must be treated as
// absent regardless of their zero values.
type Descriptor struct {
	Provider Provider
	AWS      AWSParams
	Azure    AzureParams
	GCP      GCPParams
}

func requiredString(doc Document, field string) (string, error) {
	v, ok := doc[field]
	if !ok {
		return "", fmt.Errorf("missing required field %q", field)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("field %q must be a string", field)
	}
	if s == "" {
		return "", fmt.Errorf("field %q must not be empty", field)
	}
	return s, nil
}

func optionalString(doc Document, field string) (string, error) {
	v, ok := doc[field]
	if !ok {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("field %q must be a string", field)
	}
	return s, nil
}

func requiredEndpoint(doc Document, field string) (*endpoint.Endpoint, error) {
	s, err := requiredString(doc, field)
	if err != nil {
		return nil, err
	}
	ep, err := endpoint.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("field %q: %w", field, err)
	}
	return ep, nil
}

func optionalEndpoint(doc Document, field string) (*endpoint.Endpoint, error) {
	v, ok := doc[field]
	if !ok {
		return nil, nil
	}
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("field %q must be a string", field)
	}
	ep, err := endpoint.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("field %q: %w", field, err)
	}
	return ep, nil
}

// Parse reads a Descriptor from doc. On any failure it returns a
// descriptive error naming the offending field; the spec's zero-copy
// ownership concerns (releasing partially-populated strings on failure)
// don't apply in Go, where a discarded *Descriptor is simply garbage
// collected.
func Parse(doc Document) (*Descriptor, error) {
	providerStr, err := requiredString(doc, "provider")
	if err != nil {
		return nil, err
	}

	d := &Descriptor{}

	switch providerStr {
	case "aws":
		d.Provider = AWS
		if d.AWS.CMK, err = requiredString(doc, "key"); err != nil {
			return nil, err
		}
		if d.AWS.Region, err = requiredString(doc, "region"); err != nil {
			return nil, err
		}
		if d.AWS.Endpoint, err = optionalEndpoint(doc, "endpoint"); err != nil {
			return nil, err
		}
	case "azure":
		d.Provider = Azure
		if d.Azure.KeyVaultEndpoint, err = requiredEndpoint(doc, "keyVaultEndpoint"); err != nil {
			return nil, err
		}
		if d.Azure.KeyName, err = requiredString(doc, "keyName"); err != nil {
			return nil, err
		}
		if d.Azure.KeyVersion, err = optionalString(doc, "keyVersion"); err != nil {
			return nil, err
		}
	case "gcp":
		d.Provider = GCP
		if d.GCP.ProjectID, err = requiredString(doc, "projectId"); err != nil {
			return nil, err
		}
		if d.GCP.Location, err = requiredString(doc, "location"); err != nil {
			return nil, err
		}
		if d.GCP.KeyRing, err = requiredString(doc, "keyRing"); err != nil {
			return nil, err
		}
		if d.GCP.KeyName, err = requiredString(doc, "keyName"); err != nil {
			return nil, err
		}
		if d.GCP.KeyVersion, err = optionalString(doc, "keyVersion"); err != nil {
			return nil, err
		}
		if d.GCP.Endpoint, err = optionalEndpoint(doc, "endpoint"); err != nil {
			return nil, err
		}
	case "local":
		d.Provider = Local
	default:
		return nil, fmt.Errorf("unrecognized KMS provider: %s", providerStr)
	}

	return d, nil
}

// Serialize writes the descriptor back to a Document using the same field
// names Parse accepts, satisfying Parse(Serialize(d)) == d.
func (d *Descriptor) Serialize() (Document, error) {
	doc := Document{}

	switch d.Provider {
	case AWS:
		doc["provider"] = "aws"
		doc["region"] = d.AWS.Region
		doc["key"] = d.AWS.CMK
		if d.AWS.Endpoint != nil {
			doc["endpoint"] = d.AWS.Endpoint.String()
		}
	case Azure:
		doc["provider"] = "azure"
		doc["keyVaultEndpoint"] = d.Azure.KeyVaultEndpoint.String()
		doc["keyName"] = d.Azure.KeyName
		if d.Azure.KeyVersion != "" {
			doc["keyVersion"] = d.Azure.KeyVersion
		}
	case GCP:
		doc["provider"] = "gcp"
		doc["projectId"] = d.GCP.ProjectID
		doc["location"] = d.GCP.Location
		doc["keyRing"] = d.GCP.KeyRing
		doc["keyName"] = d.GCP.KeyName
		if d.GCP.KeyVersion != "" {
			doc["keyVersion"] = d.GCP.KeyVersion
		}
		if d.GCP.Endpoint != nil {
			doc["endpoint"] = d.GCP.Endpoint.String()
		}
	case Local:
		doc["provider"] = "local"
	default:
		return nil, fmt.Errorf("cannot serialize descriptor with unset provider")
	}

	return doc, nil
}

// Copy deep-copies the active variant; inactive sub-records are left at
// their zero value, mirroring the source's "other sub-records are absent"
// invariant.
func (d *Descriptor) Copy() *Descriptor {
	if d == nil {
		return nil
	}
	cp := &Descriptor{Provider: d.Provider}
	switch d.Provider {
	case AWS:
		cp.AWS = AWSParams{
			CMK:      d.AWS.CMK,
			Region:   d.AWS.Region,
			Endpoint: d.AWS.Endpoint.Copy(),
		}
	case Azure:
		cp.Azure = AzureParams{
			KeyVaultEndpoint: d.Azure.KeyVaultEndpoint.Copy(),
			KeyName:          d.Azure.KeyName,
			KeyVersion:       d.Azure.KeyVersion,
		}
	case GCP:
		cp.GCP = GCPParams{
			ProjectID:  d.GCP.ProjectID,
			Location:   d.GCP.Location,
			KeyRing:    d.GCP.KeyRing,
			KeyName:    d.GCP.KeyName,
			KeyVersion: d.GCP.KeyVersion,
			Endpoint:   d.GCP.Endpoint.Copy(),
		}
	}
	return cp
}
