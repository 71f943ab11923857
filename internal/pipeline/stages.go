package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/shotleybuilder/sertantai-ingest/internal/model"
	"github.com/shotleybuilder/sertantai-ingest/pkg/classifier"
	"github.com/shotleybuilder/sertantai-ingest/pkg/legislation"
)

// registryURL is the public link stored on the record, independent of the
// base URL the client was configured with.
func registryURL(key model.RecordKey) string {
	return "https://www.legislation.gov.uk/" + key.String()
}

func (e *Executor) runMetadata(ctx context.Context, key model.RecordKey) (model.StagePayload, string, error) {
	fields, err := e.client.Metadata(ctx, key.String())
	if err != nil {
		return nil, "", err
	}
	p := &model.MetadataPayload{
		Title:               fields.Title,
		Description:         fields.Description,
		Subjects:            fields.Subjects,
		SICode:              fields.SICode,
		TotalParas:          fields.TotalParas,
		BodyParas:           fields.BodyParas,
		ScheduleParas:       fields.ScheduleParas,
		AttachmentParas:     fields.AttachmentParas,
		Images:              fields.Images,
		MadeDate:            fields.MadeDate,
		EnactmentDate:       fields.EnactmentDate,
		ComingIntoForceDate: fields.ComingIntoForceDate,
		DctValidDate:        fields.DctValidDate,
		Modified:            fields.Modified,
		RestrictExtent:      fields.RestrictExtent,
		RestrictStartDate:   fields.RestrictStartDate,
		RegistryURL:         registryURL(key),
	}
	return p, fmt.Sprintf("title %q, %d paragraphs", p.Title, p.TotalParas), nil
}

func (e *Executor) runExtent(ctx context.Context, key model.RecordKey) (model.StagePayload, string, error) {
	fields, err := e.client.Extent(ctx, key.String())
	if err != nil {
		return nil, "", err
	}
	p := &model.ExtentPayload{
		Extent:  fields.Extent,
		Regions: fields.Regions,
		Detail:  fields.Detail,
	}
	summary := "no extent recorded"
	if p.Extent != "" {
		summary = fmt.Sprintf("extent %s (%d regions)", p.Extent, len(p.Regions))
	}
	return p, summary, nil
}

func (e *Executor) runEnactedBy(ctx context.Context, key model.RecordKey) (model.StagePayload, string, error) {
	fields, err := e.client.EnactedBy(ctx, key.String())
	if err != nil {
		return nil, "", err
	}
	p := &model.EnactedByPayload{
		Parents: fields.Parents,
		Links:   fields.Links,
	}
	return p, fmt.Sprintf("%d enabling acts", len(p.Parents)), nil
}

// runAmending builds the outbound amendment view. Commencement
// self-effects are counted separately and kept out of the affected list
// so a record never nominates itself for cascade.
func (e *Executor) runAmending(ctx context.Context, key model.RecordKey) (model.StagePayload, string, error) {
	fields, err := e.client.Amending(ctx, key.String())
	if err != nil {
		return nil, "", err
	}
	self := key.String()
	p := &model.AmendingPayload{}
	for _, eff := range fields.Effects {
		if eff.Affected == self {
			p.SelfCount++
			continue
		}
		p.Count++
		p.Affected = appendUnique(p.Affected, eff.Affected)
		p.Links = appendUnique(p.Links, eff.AffectedURI)
		p.LatestAmendDate = laterDate(p.LatestAmendDate, eff.Date)
		if revocationSeverity(eff.Type) > 0 {
			p.RevokeCount++
		}
	}
	return p, fmt.Sprintf("affects %d records (%d self effects)", len(p.Affected), p.SelfCount), nil
}

// runAmendedBy builds the inbound amendment view and the change-history
// lifecycle candidate: any whole-instrument revocation means superseded,
// partial revocations alone mean partially superseded.
func (e *Executor) runAmendedBy(ctx context.Context, key model.RecordKey) (model.StagePayload, string, error) {
	fields, err := e.client.AmendedBy(ctx, key.String())
	if err != nil {
		return nil, "", err
	}
	self := key.String()
	p := &model.AmendedByPayload{}
	var whole, partial []string
	for _, eff := range fields.Effects {
		if eff.Affecting == self {
			continue
		}
		p.Count++
		p.AffectedBy = appendUnique(p.AffectedBy, eff.Affecting)
		p.Links = appendUnique(p.Links, eff.AffectingURI)
		switch revocationSeverity(eff.Type) {
		case 2:
			whole = appendUnique(whole, eff.Affecting)
		case 1:
			partial = appendUnique(partial, eff.Affecting)
		default:
			continue
		}
		p.RescindedBy = appendUnique(p.RescindedBy, eff.Affecting)
		p.RescindLinks = appendUnique(p.RescindLinks, eff.AffectingURI)
		p.LatestRescindDate = laterDate(p.LatestRescindDate, eff.Date)
	}

	switch {
	case len(whole) > 0:
		p.Candidate = &model.CandidateStatus{Status: model.LiveSuperseded, Superseding: whole}
	case len(partial) > 0:
		p.Candidate = &model.CandidateStatus{Status: model.LivePartiallySuperseded, Superseding: partial}
	default:
		p.Candidate = &model.CandidateStatus{Status: model.LiveInForce}
	}
	return p, fmt.Sprintf("affected by %d records, rescinded by %d", len(p.AffectedBy), len(p.RescindedBy)), nil
}

// runRepealRevoke fetches the registry's own status verdict and derives
// the metadata-side lifecycle candidate. Reconciliation against the
// change-history candidate happens in the executor once both exist.
func (e *Executor) runRepealRevoke(ctx context.Context, key model.RecordKey) (model.StagePayload, string, error) {
	fields, err := e.client.RepealRevoke(ctx, key.String())
	if err != nil {
		return nil, "", err
	}
	p := &model.RepealRevokePayload{
		StatusLine:  strings.TrimSpace(fields.Status),
		Superseding: fields.Superseding,
		Candidate:   candidateFromStatusLine(fields),
	}
	summary := "registry records no revocation"
	if p.StatusLine != "" {
		summary = "registry status: " + p.StatusLine
	}
	return p, summary, nil
}

func (e *Executor) runClassify(ctx context.Context, existing *model.Record, md *model.MetadataPayload, am *model.AmendingPayload, version string) (model.StagePayload, string, error) {
	// Pure compute, but a canceled run should not produce a result.
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	eng, err := e.catalog.Engine(version)
	if err != nil {
		return nil, "", err
	}
	res := eng.Classify(classifierInput(existing, md, am))
	p := &model.ClassifyPayload{
		Family:         res.Family,
		Purpose:        res.Purpose,
		Role:           res.Role,
		DutyHolder:     res.DutyHolder,
		PowerHolder:    res.PowerHolder,
		Tags:           res.Tags,
		Function:       res.Function,
		RulesetVersion: eng.Version(),
		Confidence:     res.Confidence,
	}
	return p, fmt.Sprintf("family %q, confidence %.2f (ruleset %s)", p.Family, p.Confidence, p.RulesetVersion), nil
}

// classifierInput assembles classification evidence, preferring this run's
// fresh payloads and falling back to the stored record when the feeding
// stages did not run (stage subsets, sibling failures).
func classifierInput(existing *model.Record, md *model.MetadataPayload, am *model.AmendingPayload) classifier.Input {
	var in classifier.Input
	switch {
	case md != nil:
		in.Title = md.Title
		in.Description = md.Description
		in.Subjects = md.Subjects
		in.SICode = md.SICode
	case existing != nil:
		in.Title = existing.TitleEn
		in.Description = existing.MDDescription
		in.Subjects = existing.MDSubjects
		in.SICode = existing.SICode
	}
	switch {
	case am != nil:
		in.AmendCount = am.Count
		in.RevokeCount = am.RevokeCount
	case existing != nil:
		in.AmendCount = existing.StatsAffectsCount
		if existing.Function == classifier.FunctionRevoking {
			in.RevokeCount = 1
		}
	}
	return in
}

// candidateFromStatusLine maps the registry's prose status to a lifecycle
// candidate. The raw line is kept as the candidate description.
func candidateFromStatusLine(fields *legislation.RevocationFields) *model.CandidateStatus {
	line := strings.ToLower(strings.TrimSpace(fields.Status))
	c := &model.CandidateStatus{
		Status:      model.LiveInForce,
		Description: strings.TrimSpace(fields.Status),
		Superseding: fields.Superseding,
	}
	switch {
	case line == "":
	case strings.Contains(line, "part"), strings.Contains(line, "provision"):
		c.Status = model.LivePartiallySuperseded
	case strings.Contains(line, "revoked"), strings.Contains(line, "repealed"), strings.Contains(line, "superseded"):
		c.Status = model.LiveSuperseded
	}
	return c
}

// revocationSeverity grades one effect type: 0 not a revocation, 1 partial
// (provisions or words), 2 whole instrument.
func revocationSeverity(effectType string) int {
	t := strings.ToLower(effectType)
	if !strings.Contains(t, "revok") && !strings.Contains(t, "repeal") && !strings.Contains(t, "rescind") {
		return 0
	}
	if strings.Contains(t, "part") || strings.Contains(t, "provision") || strings.Contains(t, "words") {
		return 1
	}
	return 2
}

func appendUnique(list []string, v string) []string {
	if v == "" {
		return list
	}
	for _, e := range list {
		if e == v {
			return list
		}
	}
	return append(list, v)
}

// laterDate compares ISO dates, which order lexically. Empty loses to
// anything.
func laterDate(a, b string) string {
	if b > a {
		return b
	}
	return a
}
