/*
Copyright 2023 Alexander Bartolomey (github@alexanderbartolomey.de)

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package ipfix

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
)

// IANAEnterpriseId is the sentinel Private Enterprise Number used for fields
// defined in the IANA IPFIX Information Element registry, i.e. fields that
// carry no enterprise bit on the wire.
const IANAEnterpriseId uint32 = 0

// EnterpriseAliases maps a human-friendly name used in a template catalog's
// "enterprise" field to the numeric Private Enterprise Number it resolves
// to. "IANA" is always registered and resolves to IANAEnterpriseId; callers
// may register additional aliases for enterprise-specific IE sets they work
// with regularly.
type EnterpriseAliases map[string]uint32

// NewEnterpriseAliases returns an EnterpriseAliases pre-seeded with the
// "IANA" alias.
func NewEnterpriseAliases() EnterpriseAliases {
	return EnterpriseAliases{"IANA": IANAEnterpriseId}
}

// Resolve looks up name, returning its numeric PEN. An empty name also
// resolves to IANAEnterpriseId, matching a catalog field that omits the
// "enterprise" property entirely.
func (a EnterpriseAliases) Resolve(name string) (uint32, error) {
	if name == "" {
		return IANAEnterpriseId, nil
	}
	if pen, ok := a[name]; ok {
		return pen, nil
	}
	return 0, fmt.Errorf("unknown enterprise alias %q", name)
}

// CatalogField describes one field of a template catalog entry, resolved
// against an EnterpriseAliases table and a FieldCache at install time.
type CatalogField struct {
	Name       string  `json:"name" yaml:"name"`
	Enterprise string  `json:"enterprise,omitempty" yaml:"enterprise,omitempty"`
	Length     *uint16 `json:"length,omitempty" yaml:"length,omitempty"`
}

// CatalogTemplateEntry is one template's field list within a template
// catalog document.
type CatalogTemplateEntry struct {
	Fields []CatalogField `json:"fields" yaml:"fields"`
}

// TemplatesCatalog is a library of named template definitions, keyed by
// template id, that can be resolved against a FieldCache and installed into
// an observation domain's template tables in bulk. This is the mechanism by
// which an Exporter's or Collector's well-known templates are declared
// ahead of time rather than built field-by-field in code.
type TemplatesCatalog struct {
	Templates map[uint16]CatalogTemplateEntry

	Aliases EnterpriseAliases
}

// NewTemplatesCatalog returns an empty catalog with the default
// EnterpriseAliases (just "IANA").
func NewTemplatesCatalog() *TemplatesCatalog {
	return &TemplatesCatalog{
		Templates: make(map[uint16]CatalogTemplateEntry),
		Aliases:   NewEnterpriseAliases(),
	}
}

// UnmarshalJSON parses the catalog wire format: a JSON object whose keys are
// decimal template ids and whose values are CatalogTemplateEntry objects,
// e.g. {"256": {"fields": [{"name": "sourceIPv4Address"}]}}.
func (c *TemplatesCatalog) UnmarshalJSON(in []byte) error {
	raw := map[string]CatalogTemplateEntry{}
	if err := json.Unmarshal(in, &raw); err != nil {
		return err
	}

	if c.Templates == nil {
		c.Templates = make(map[uint16]CatalogTemplateEntry, len(raw))
	}
	if c.Aliases == nil {
		c.Aliases = NewEnterpriseAliases()
	}

	for k, v := range raw {
		id, err := strconv.ParseUint(k, 10, 16)
		if err != nil {
			return fmt.Errorf("invalid template id %q in catalog, %w", k, err)
		}
		if id < 256 {
			return InvalidTemplateId(uint16(id))
		}
		c.Templates[uint16(id)] = v
	}
	return nil
}

func (c *TemplatesCatalog) MarshalJSON() ([]byte, error) {
	raw := make(map[string]CatalogTemplateEntry, len(c.Templates))
	for id, entry := range c.Templates {
		raw[strconv.FormatUint(uint64(id), 10)] = entry
	}
	return json.Marshal(raw)
}

// resolveField looks up cf's named information element, scoped to the
// enterprise its "enterprise" property aliases, by scanning fields' GetAll.
// FieldCache has no name index, so this is a linear scan; catalogs are
// parsed once at startup, not on the hot decode path.
func (c *TemplatesCatalog) resolveField(ctx context.Context, fields FieldCache, cf CatalogField) (*InformationElement, error) {
	pen, err := c.Aliases.Resolve(cf.Enterprise)
	if err != nil {
		return nil, err
	}

	for _, ie := range fields.GetAll(ctx) {
		if ie.EnterpriseId == pen && ie.Name == cf.Name {
			return ie, nil
		}
	}
	return nil, fmt.Errorf("no information element named %q (enterprise %q) in field cache", cf.Name, cf.Enterprise)
}

// resolveTemplateRecord builds a TemplateRecord for templateId from entry,
// resolving every field against fields and validating declared lengths.
func (c *TemplatesCatalog) resolveTemplateRecord(ctx context.Context, fields FieldCache, templateManager TemplateCache, templateId uint16, entry CatalogTemplateEntry) (*TemplateRecord, error) {
	if len(entry.Fields) == 0 {
		return nil, InvalidFieldCount(templateId)
	}

	tr := &TemplateRecord{
		TemplateId: templateId,
		FieldCount: uint16(len(entry.Fields)),
		Fields:     make([]Field, 0, len(entry.Fields)),
	}

	for _, cf := range entry.Fields {
		ie, err := c.resolveField(ctx, fields, cf)
		if err != nil {
			return nil, fmt.Errorf("template %d: %w", templateId, err)
		}

		length := VariableLength
		if cf.Length != nil {
			if *cf.Length == 0 {
				return nil, fmt.Errorf("template %d, field %q: length must be in [1, 65535]", templateId, cf.Name)
			}
			length = *cf.Length
		} else {
			length = ie.Constructor().DefaultLength()
		}

		builder, err := fields.GetBuilder(ctx, NewFieldKey(ie.EnterpriseId, ie.Id))
		if err != nil {
			return nil, err
		}

		f := builder.
			SetLength(length).
			SetPEN(ie.EnterpriseId).
			SetFieldManager(fields).
			SetTemplateManager(templateManager).
			Complete()

		tr.Fields = append(tr.Fields, f)
	}

	return tr, nil
}

// InjectAll resolves every template in the catalog (or, if templateIds is
// non-empty, just those ids) against session's FieldCache and installs them
// into dir's template table of the observation domain identified by
// domainId. When dir is Egress and session has a running Exporter attached
// through refresh, the freshly installed templates will go out on the next
// refresh tick; callers that need them announced immediately should trigger
// a refresh explicitly.
func (c *TemplatesCatalog) InjectAll(ctx context.Context, session *Session, dir Direction, domainId uint32, templateIds []uint16) error {
	domain := session.Domain(domainId)
	tables := domain.direction(dir)

	ids := templateIds
	if len(ids) == 0 {
		ids = make([]uint16, 0, len(c.Templates))
		for id := range c.Templates {
			ids = append(ids, id)
		}
	}

	for _, id := range ids {
		entry, ok := c.Templates[id]
		if !ok {
			return fmt.Errorf("template %d not found in catalog", id)
		}

		tr, err := c.resolveTemplateRecord(ctx, session.Fields(), tables.Templates, id, entry)
		if err != nil {
			return err
		}

		tpl := &Template{
			TemplateMetadata: &TemplateMetadata{
				TemplateId:          id,
				ObservationDomainId: domainId,
			},
			Record: tr,
		}

		key := NewKey(domainId, id)
		if err := tables.Install(ctx, domainId, key, tpl); err != nil {
			return err
		}
	}

	return nil
}

// InjectAllInto resolves and installs templates the same way InjectAll does,
// choosing the direction and, for an Exporter, triggering an immediate
// template refresh so the freshly installed templates reach the peer without
// waiting for the next scheduled tick. entity must be *Exporter or
// *Collector; any other type returns a ConfigError.
func (c *TemplatesCatalog) InjectAllInto(ctx context.Context, entity any, domainId uint32, templateIds []uint16) error {
	switch e := entity.(type) {
	case *Exporter:
		if err := c.InjectAll(ctx, e.Session(), Egress, domainId, templateIds); err != nil {
			return err
		}
		return e.refreshTemplates(ctx)
	case *Collector:
		return c.InjectAll(ctx, e.Session(), Ingest, domainId, templateIds)
	default:
		return Config("entity", fmt.Errorf("InjectAllInto: entity must be *Exporter or *Collector, got %T", entity))
	}
}
