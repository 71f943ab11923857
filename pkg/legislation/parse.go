package legislation

import (
	"bytes"
	"encoding/xml"
	"io"
	"net/url"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/htmlindex"
)

// decodeXML unmarshals registry XML, honoring declared charsets. Most of
// the registry is UTF-8 but older documents declare ISO-8859-1.
func decodeXML(body []byte, v any) error {
	decoder := xml.NewDecoder(bytes.NewReader(body))
	decoder.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		enc, err := htmlindex.Get(charset)
		if err != nil {
			return nil, eris.Wrapf(err, "xml: unsupported charset %q", charset)
		}
		return enc.NewDecoder().Reader(input), nil
	}
	return decoder.Decode(v)
}

type attrValue struct {
	Value string `xml:"Value,attr"`
}

type attrDate struct {
	Date string `xml:"Date,attr"`
}

type attrInt struct {
	Value int `xml:"Value,attr"`
}

type attrURI struct {
	URI string `xml:"URI,attr"`
}

// docClass is the classification block of a metadata document:
// PrimaryMetadata for acts, SecondaryMetadata for instruments.
type docClass struct {
	Status       attrValue `xml:"DocumentClassification>DocumentStatus"`
	Category     attrValue `xml:"DocumentClassification>DocumentCategory"`
	Made         attrDate  `xml:"Made"`
	Enactment    attrDate  `xml:"EnactmentDate"`
	IntoForce    attrDate  `xml:"ComingIntoForce"`
	SupersededBy []attrURI `xml:"SupersededBy"`
}

type docStats struct {
	TotalParagraphs      attrInt `xml:"TotalParagraphs"`
	BodyParagraphs       attrInt `xml:"BodyParagraphs"`
	ScheduleParagraphs   attrInt `xml:"ScheduleParagraphs"`
	AttachmentParagraphs attrInt `xml:"AttachmentParagraphs"`
	TotalImages          attrInt `xml:"TotalImages"`
}

type metadataDoc struct {
	RestrictExtent    string `xml:"RestrictExtent,attr"`
	RestrictStartDate string `xml:"RestrictStartDate,attr"`
	Metadata          struct {
		Title       string    `xml:"title"`
		Description string    `xml:"description"`
		Subjects    []string  `xml:"subject"`
		Modified    string    `xml:"modified"`
		Valid       string    `xml:"valid"`
		Primary     *docClass `xml:"PrimaryMetadata"`
		Secondary   *docClass `xml:"SecondaryMetadata"`
		Statistics  *docStats `xml:"Statistics"`
	} `xml:"Metadata"`
}

func (d *metadataDoc) class() *docClass {
	if d.Metadata.Secondary != nil {
		return d.Metadata.Secondary
	}
	if d.Metadata.Primary != nil {
		return d.Metadata.Primary
	}
	return &docClass{}
}

func parseMetadata(body []byte) (*MetadataFields, error) {
	var doc metadataDoc
	if err := decodeXML(body, &doc); err != nil {
		return nil, eris.Wrap(err, "parse metadata")
	}
	cls := doc.class()
	fields := &MetadataFields{
		Title:               strings.TrimSpace(doc.Metadata.Title),
		Description:         strings.TrimSpace(doc.Metadata.Description),
		SICode:              cls.Category.Value,
		MadeDate:            cls.Made.Date,
		EnactmentDate:       cls.Enactment.Date,
		ComingIntoForceDate: cls.IntoForce.Date,
		DctValidDate:        doc.Metadata.Valid,
		Modified:            doc.Metadata.Modified,
		RestrictExtent:      normalizeExtent(doc.RestrictExtent),
		RestrictStartDate:   doc.RestrictStartDate,
	}
	for _, s := range doc.Metadata.Subjects {
		if s = strings.TrimSpace(s); s != "" {
			fields.Subjects = append(fields.Subjects, s)
		}
	}
	if st := doc.Metadata.Statistics; st != nil {
		fields.TotalParas = st.TotalParagraphs.Value
		fields.BodyParas = st.BodyParagraphs.Value
		fields.ScheduleParas = st.ScheduleParagraphs.Value
		fields.AttachmentParas = st.AttachmentParagraphs.Value
		fields.Images = st.TotalImages.Value
	}
	return fields, nil
}

// extentRegions maps registry extent codes to region names, in UK
// presentation order.
var extentRegions = []struct {
	code   string
	region string
}{
	{"E", "England"},
	{"W", "Wales"},
	{"S", "Scotland"},
	{"NI", "Northern Ireland"},
}

// normalizeExtent canonicalizes an extent attribute: "E+W+S+N.I." becomes
// "E+W+S+NI", out-of-order codes are reordered.
func normalizeExtent(raw string) string {
	present := map[string]bool{}
	for _, tok := range strings.Split(raw, "+") {
		tok = strings.ReplaceAll(strings.TrimSpace(tok), ".", "")
		if tok != "" {
			present[strings.ToUpper(tok)] = true
		}
	}
	var parts []string
	for _, er := range extentRegions {
		if present[er.code] {
			parts = append(parts, er.code)
		}
	}
	return strings.Join(parts, "+")
}

func parseExtent(body []byte) (*ExtentFields, error) {
	var doc metadataDoc
	if err := decodeXML(body, &doc); err != nil {
		return nil, eris.Wrap(err, "parse extent")
	}
	raw := doc.RestrictExtent
	canonical := normalizeExtent(raw)
	fields := &ExtentFields{Extent: canonical}
	present := map[string]bool{}
	for _, tok := range strings.Split(canonical, "+") {
		present[tok] = true
	}
	for _, er := range extentRegions {
		if present[er.code] {
			fields.Regions = append(fields.Regions, er.region)
		}
	}
	if raw != "" && raw != canonical {
		fields.Detail = raw
	}
	return fields, nil
}

type resourcesDoc struct {
	Enabling []attrURI `xml:"Metadata>EnablingActs>Enactment"`
}

func parseEnactedBy(body []byte) (*EnactedByFields, error) {
	var doc resourcesDoc
	if err := decodeXML(body, &doc); err != nil {
		return nil, eris.Wrap(err, "parse resources")
	}
	fields := &EnactedByFields{}
	for _, e := range doc.Enabling {
		key, err := KeyFromURI(e.URI)
		if err != nil {
			continue
		}
		fields.Parents = append(fields.Parents, key)
		fields.Links = append(fields.Links, e.URI)
	}
	return fields, nil
}

type changesDoc struct {
	Effects []struct {
		Type         string `xml:"Type,attr"`
		AffectedURI  string `xml:"AffectedURI,attr"`
		AffectingURI string `xml:"AffectingURI,attr"`
		Date         string `xml:"Date,attr"`
	} `xml:"Effects>Effect"`
}

func parseChanges(body []byte) (*ChangeFields, error) {
	var doc changesDoc
	if err := decodeXML(body, &doc); err != nil {
		return nil, eris.Wrap(err, "parse changes")
	}
	fields := &ChangeFields{}
	for _, row := range doc.Effects {
		eff := Effect{
			Type:         row.Type,
			AffectedURI:  row.AffectedURI,
			AffectingURI: row.AffectingURI,
			Date:         row.Date,
		}
		// Keys stay empty for URIs outside the type/year/number scheme
		// (EU-retained instruments, for one); callers skip those.
		if key, err := KeyFromURI(row.AffectedURI); err == nil {
			eff.Affected = key
		}
		if key, err := KeyFromURI(row.AffectingURI); err == nil {
			eff.Affecting = key
		}
		fields.Effects = append(fields.Effects, eff)
	}
	return fields, nil
}

func parseRevocation(body []byte) (*RevocationFields, error) {
	var doc metadataDoc
	if err := decodeXML(body, &doc); err != nil {
		return nil, eris.Wrap(err, "parse revocation")
	}
	cls := doc.class()
	fields := &RevocationFields{Status: strings.ToLower(cls.Status.Value)}
	for _, s := range cls.SupersededBy {
		key, err := KeyFromURI(s.URI)
		if err != nil {
			continue
		}
		fields.Superseding = append(fields.Superseding, key)
		fields.SupersedingURIs = append(fields.SupersedingURIs, s.URI)
	}
	return fields, nil
}

// KeyFromURI extracts a "type/year/number" key from a registry URI such
// as "https://www.legislation.gov.uk/id/ukpga/2010/15" or a bare
// "/ukpga/2010/15/section/3" path (trailing segments are dropped).
func KeyFromURI(raw string) (string, error) {
	if raw == "" {
		return "", eris.New("empty URI")
	}
	path := raw
	if u, err := url.Parse(raw); err == nil && u.Path != "" {
		path = u.Path
	}
	segs := strings.Split(strings.Trim(path, "/"), "/")
	if len(segs) > 0 && segs[0] == "id" {
		segs = segs[1:]
	}
	if len(segs) < 3 {
		return "", eris.Errorf("URI %q: no type/year/number segments", raw)
	}
	typeCode, year, number := strings.ToLower(segs[0]), segs[1], segs[2]
	if typeCode == "" || len(typeCode) > 10 {
		return "", eris.Errorf("URI %q: bad type code", raw)
	}
	for _, c := range typeCode {
		if c < 'a' || c > 'z' {
			return "", eris.Errorf("URI %q: bad type code", raw)
		}
	}
	if y, err := strconv.Atoi(year); err != nil || y < 1000 || y > 3000 {
		return "", eris.Errorf("URI %q: bad year", raw)
	}
	if number == "" {
		return "", eris.Errorf("URI %q: bad number", raw)
	}
	return typeCode + "/" + year + "/" + number, nil
}
