package hid

import (
	"reflect"
	"testing"
)

// mouseDescriptor is the canonical three-button USB HID mouse report
// descriptor (HID 1.11 Appendix E.10), used here as a realistic fixture
// rather than a synthetic minimal one.
var mouseDescriptor = []byte{
	0x05, 0x01, // Usage Page (Generic Desktop)
	0x09, 0x02, // Usage (Mouse)
	0xA1, 0x01, // Collection (Application)
	0x09, 0x01, //   Usage (Pointer)
	0xA1, 0x00, //   Collection (Physical)
	0x05, 0x09, //     Usage Page (Button)
	0x19, 0x01, //     Usage Minimum (1)
	0x29, 0x03, //     Usage Maximum (3)
	0x15, 0x00, //     Logical Minimum (0)
	0x25, 0x01, //     Logical Maximum (1)
	0x95, 0x03, //     Report Count (3)
	0x75, 0x01, //     Report Size (1)
	0x81, 0x02, //     Input (Data,Var,Abs)
	0x95, 0x01, //     Report Count (1)
	0x75, 0x05, //     Report Size (5)
	0x81, 0x01, //     Input (Const)
	0x05, 0x01, //     Usage Page (Generic Desktop)
	0x09, 0x30, //     Usage (X)
	0x09, 0x31, //     Usage (Y)
	0x15, 0x81, //     Logical Minimum (-127)
	0x25, 0x7F, //     Logical Maximum (127)
	0x75, 0x08, //     Report Size (8)
	0x95, 0x02, //     Report Count (2)
	0x81, 0x06, //     Input (Data,Var,Rel)
	0xC0,       //   End Collection
	0xC0,       // End Collection
}

func TestParseMouseDescriptor(t *testing.T) {
	root, err := Parse(mouseDescriptor)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(root) != 1 {
		t.Fatalf("expected one top-level collection, got %d", len(root))
	}
	app := root[0]
	if app.Usage != 0x02 || app.UsagePage != 0x01 || app.CollectionType != 0x01 {
		t.Fatalf("unexpected application collection: %+v", app)
	}
	if len(app.Children) != 1 {
		t.Fatalf("expected one physical child collection, got %d", len(app.Children))
	}
	phys := app.Children[0]
	if len(phys.InputReports) != 1 {
		t.Fatalf("expected a single (unnumbered) input report, got %d", len(phys.InputReports))
	}
	items := phys.InputReports[0].Items
	if len(items) != 3 {
		t.Fatalf("expected 3 input items (buttons, padding, X/Y), got %d", len(items))
	}

	buttons := items[0]
	if !buttons.IsRange || buttons.Usages[0] != 1 || buttons.Usages[1] != 3 {
		t.Fatalf("unexpected button item: %+v", buttons)
	}
	if buttons.ReportCount != 3 || buttons.ReportSize != 1 {
		t.Fatalf("unexpected button sizing: %+v", buttons)
	}

	padding := items[1]
	if !padding.IsConstant || padding.ReportCount != 1 || padding.ReportSize != 5 {
		t.Fatalf("unexpected padding item: %+v", padding)
	}

	xy := items[2]
	if xy.ReportCount != 2 || xy.ReportSize != 8 {
		t.Fatalf("unexpected X/Y item: %+v", xy)
	}
	if xy.LogicalMinimum != -127 || xy.LogicalMaximum != 127 {
		t.Fatalf("unexpected X/Y logical range: %+v", xy)
	}
	if xy.IsConstant || xy.IsAbsolute {
		t.Fatalf("X/Y should be relative, variable data: %+v", xy)
	}
}

func TestValidateMouseDescriptorSucceeds(t *testing.T) {
	root, err := Parse(mouseDescriptor)
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	summary, err := ValidateCollections(root)
	if err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
	if summary.HasReportIDs {
		t.Fatalf("mouse descriptor has no report IDs, got HasReportIDs=true")
	}
	// buttons (3 bits) + padding (5 bits) + X (8 bits) + Y (8 bits) = 24 bits = 3 bytes.
	if summary.MaxInputReportBytes != 3 {
		t.Fatalf("expected 3-byte input report, got %d", summary.MaxInputReportBytes)
	}
}

func TestParseSynthesizeRoundTrip(t *testing.T) {
	root, err := Parse(mouseDescriptor)
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}

	synthesized, err := Synthesize(root)
	if err != nil {
		t.Fatalf("unexpected synthesize error: %v", err)
	}

	reparsed, err := Parse(synthesized)
	if err != nil {
		t.Fatalf("unexpected re-parse error: %v", err)
	}

	if !reflect.DeepEqual(root, reparsed) {
		t.Fatalf("round trip mismatch:\n  original: %+v\n  reparsed: %+v", root, reparsed)
	}
}

func TestUnbalancedCollectionRejected(t *testing.T) {
	bad := []byte{0xA1, 0x01} // Collection with no matching End Collection.
	_, err := Parse(bad)
	if err == nil {
		t.Fatal("expected an unbalanced collection error")
	}
	de, ok := err.(*DescriptorError)
	if !ok || de.Kind != ErrUnbalancedCollections {
		t.Fatalf("expected ErrUnbalancedCollections, got %v", err)
	}
}

func TestMainItemOutsideCollectionRejected(t *testing.T) {
	bad := []byte{0x81, 0x02} // Input item with no enclosing collection.
	_, err := Parse(bad)
	if err == nil {
		t.Fatal("expected a main-item-outside-collection error")
	}
	de, ok := err.(*DescriptorError)
	if !ok || de.Kind != ErrMainItemOutsideCollection {
		t.Fatalf("expected ErrMainItemOutsideCollection, got %v", err)
	}
}

func TestLongItemUnsupported(t *testing.T) {
	bad := []byte{0xFE, 0x00, 0x00}
	_, err := Parse(bad)
	de, ok := err.(*DescriptorError)
	if !ok || de.Kind != ErrLongItemUnsupported {
		t.Fatalf("expected ErrLongItemUnsupported, got %v", err)
	}
}

func oneButtonCollection(reportSize, reportCount uint32, collectionType uint8) CollectionInfo {
	return CollectionInfo{
		UsagePage:      0x01,
		Usage:          0x02,
		CollectionType: collectionType,
		InputReports: []ReportInfo{
			{
				ReportID: 0,
				Items: []ReportItem{
					{
						IsArray:           false,
						IsAbsolute:        true,
						HasPreferredState: true,
						IsLinear:          true,
						LogicalMinimum:    0,
						LogicalMaximum:    1,
						ReportSize:        reportSize,
						ReportCount:       reportCount,
						UsagePage:         0x09,
						Usages:            []uint32{1},
					},
				},
			},
		},
	}
}

func TestValidateRejectsOversizedInputReport(t *testing.T) {
	// 8 bits * 100 = 800 bits = 100 bytes, over the 64-byte interrupt packet cap,
	// while staying within both the per-field reportSize and reportCount caps.
	tree := []CollectionInfo{oneButtonCollection(8, 100, 0x01)}
	_, err := ValidateCollections(tree)
	if err == nil {
		t.Fatal("expected a report-too-large validation error")
	}
	de, ok := err.(*DescriptorError)
	if !ok || de.Kind != ErrValidation {
		t.Fatalf("expected a path-qualified validation error, got %v", err)
	}
}

func TestValidateRejectsReportSizeZero(t *testing.T) {
	tree := []CollectionInfo{oneButtonCollection(0, 1, 0x01)}
	_, err := ValidateCollections(tree)
	if err == nil {
		t.Fatal("expected a reportSize range error")
	}
}

func TestValidateRejectsMixedReportIDs(t *testing.T) {
	tree := []CollectionInfo{
		{
			UsagePage:      0x01,
			Usage:          0x02,
			CollectionType: 0x01,
			InputReports: []ReportInfo{
				{ReportID: 0, Items: []ReportItem{{ReportSize: 1, ReportCount: 1, LogicalMaximum: 1}}},
				{ReportID: 1, Items: []ReportItem{{ReportSize: 1, ReportCount: 1, LogicalMaximum: 1}}},
			},
		},
	}
	_, err := ValidateCollections(tree)
	if err == nil {
		t.Fatal("expected a mixed report-id validation error")
	}
}

func TestValidateRejectsExcessiveNesting(t *testing.T) {
	var tree []CollectionInfo
	cur := &tree
	for i := 0; i <= maxCollectionDepth; i++ {
		*cur = []CollectionInfo{{UsagePage: 1, Usage: 1, CollectionType: 0}}
		cur = &(*cur)[0].Children
	}
	_, err := ValidateCollections(tree)
	if err == nil {
		t.Fatal("expected a nesting-depth validation error")
	}
}

func TestValidateRejectsIsRangeWithoutTwoUsages(t *testing.T) {
	item := ReportItem{IsRange: true, Usages: []uint32{1}, ReportSize: 1, ReportCount: 1}
	if _, err := validateReportItem(&item, "test"); err == nil {
		t.Fatal("expected an isRange validation error")
	}
}
