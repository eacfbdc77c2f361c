// Package metadata keeps a machine's rendered definition inside its libvirt
// domain as custom XML metadata, so the definition travels with the domain
// and can be read back without the working directory.
package metadata

import (
	"encoding/xml"
	"fmt"

	"github.com/digitalocean/go-libvirt"
	"gopkg.in/yaml.v3"

	"github.com/jbweber/baker/api/v1alpha1"
)

const (
	// Namespace is the XML namespace for baker metadata.
	Namespace = "http://baker.jbweber.dev/v1alpha1"

	// Key is the element prefix libvirt uses for the namespace.
	Key = "baker"
)

// Client is the subset of the libvirt API the metadata store needs.
type Client interface {
	DomainSetMetadata(dom libvirt.Domain, typ int32, metadata libvirt.OptString, key libvirt.OptString, uri libvirt.OptString, flags libvirt.DomainModificationImpact) error
	DomainGetMetadata(dom libvirt.Domain, typ int32, uri libvirt.OptString, flags libvirt.DomainModificationImpact) (string, error)
}

// Document is the metadata element. The Machine is kept as escaped YAML
// text rather than mapped onto XML elements.
type Document struct {
	XMLName xml.Name `xml:"machine"`
	Xmlns   string   `xml:"xmlns,attr"`
	YAML    string   `xml:",chardata"`
}

// Marshal renders m as a metadata element.
func Marshal(m *v1alpha1.Machine) (string, error) {
	if m == nil {
		return "", fmt.Errorf("machine cannot be nil")
	}
	data, err := yaml.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal machine to YAML: %w", err)
	}
	out, err := xml.Marshal(Document{Xmlns: Namespace, YAML: string(data)})
	if err != nil {
		return "", fmt.Errorf("failed to marshal metadata to XML: %w", err)
	}
	return string(out), nil
}

// Unmarshal parses a metadata element produced by Marshal.
func Unmarshal(s string) (*v1alpha1.Machine, error) {
	var doc Document
	if err := xml.Unmarshal([]byte(s), &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata XML: %w", err)
	}
	var m v1alpha1.Machine
	if err := yaml.Unmarshal([]byte(doc.YAML), &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal machine from YAML: %w", err)
	}
	if m.Name == "" {
		return nil, fmt.Errorf("metadata holds no machine")
	}
	return &m, nil
}

// Store saves m on the domain, replacing any earlier copy.
func Store(c Client, domain libvirt.Domain, m *v1alpha1.Machine) error {
	doc, err := Marshal(m)
	if err != nil {
		return err
	}
	err = c.DomainSetMetadata(
		domain,
		int32(libvirt.DomainMetadataElement),
		libvirt.OptString{doc},
		libvirt.OptString{Key},
		libvirt.OptString{Namespace},
		libvirt.DomainModificationImpact(0),
	)
	if err != nil {
		return fmt.Errorf("failed to set libvirt domain metadata: %w", err)
	}
	return nil
}

// Load reads the Machine stored on the domain.
func Load(c Client, domain libvirt.Domain) (*v1alpha1.Machine, error) {
	s, err := c.DomainGetMetadata(
		domain,
		int32(libvirt.DomainMetadataElement),
		libvirt.OptString{Namespace},
		libvirt.DomainModificationImpact(0),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get libvirt domain metadata: %w", err)
	}
	return Unmarshal(s)
}

// Delete removes baker metadata from a domain.
func Delete(c Client, domain libvirt.Domain) error {
	// an empty element removes the entry
	err := c.DomainSetMetadata(
		domain,
		int32(libvirt.DomainMetadataElement),
		libvirt.OptString{},
		libvirt.OptString{},
		libvirt.OptString{Namespace},
		libvirt.DomainModificationImpact(0),
	)
	if err != nil {
		return fmt.Errorf("failed to delete libvirt domain metadata: %w", err)
	}
	return nil
}

// Exists reports whether the domain carries baker metadata.
func Exists(c Client, domain libvirt.Domain) bool {
	_, err := c.DomainGetMetadata(
		domain,
		int32(libvirt.DomainMetadataElement),
		libvirt.OptString{Namespace},
		libvirt.DomainModificationImpact(0),
	)
	return err == nil
}
