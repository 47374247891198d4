package hid

import "strconv"

type validationPath struct {
	segments []string
}

func rootCollectionPath(index int) *validationPath {
	return &validationPath{segments: []string{"collections[" + strconv.Itoa(index) + "]"}}
}

func (p *validationPath) pushIndexed(name string, index int) {
	p.segments = append(p.segments, name+"["+strconv.Itoa(index)+"]")
}

func (p *validationPath) pop() {
	p.segments = p.segments[:len(p.segments)-1]
}

func (p *validationPath) String() string {
	s := ""
	for i, seg := range p.segments {
		if i > 0 {
			s += "."
		}
		s += seg
	}
	return s
}

type reportKey struct {
	kind ReportKind
	id   uint32
}

type validationState struct {
	sawNonzeroReportID  bool
	firstZeroReportPath string
	haveFirstZeroPath   bool
	reportBits          map[reportKey]uint32
	reportPaths         map[reportKey]string
}

func newValidationState() *validationState {
	return &validationState{
		reportBits:  make(map[reportKey]uint32),
		reportPaths: make(map[reportKey]string),
	}
}

func (s *validationState) validateReportID(reportID uint32, path string) error {
	if reportID > 255 {
		return errAt(path, "reportId %d is out of range (expected 0..=255)", reportID)
	}

	if reportID == 0 {
		if s.sawNonzeroReportID {
			return errAt(path, "Found reportId 0 but other reports use non-zero reportId; when any report uses a reportId, all reports must use a non-zero reportId")
		}
		if !s.haveFirstZeroPath {
			s.firstZeroReportPath = path
			s.haveFirstZeroPath = true
		}
		return nil
	}

	if s.haveFirstZeroPath {
		return errAt(s.firstZeroReportPath, "Found reportId 0 but other reports use non-zero reportId; when any report uses a reportId, all reports must use a non-zero reportId")
	}
	s.sawNonzeroReportID = true
	return nil
}

func maxReportBytesFromState(s *validationState, kind ReportKind) (uint32, error) {
	var max uint32
	found := false
	for key, bits := range s.reportBits {
		if key.kind != kind {
			continue
		}
		found = true
		path := s.reportPaths[key]
		if path == "" {
			path = "reportDescriptor"
		}
		bytes, err := ceilDiv8(bits, path)
		if err != nil {
			return 0, err
		}
		if bytes > max {
			max = bytes
		}
	}
	if !found {
		return 0, nil
	}
	return max, nil
}

func ceilDiv8(bits uint32, path string) (uint32, error) {
	sum := uint64(bits) + 7
	if sum > 0xFFFFFFFF {
		return 0, errAt(path, "report bit length too large to round to bytes")
	}
	return uint32(sum) / 8, nil
}

// ValidateCollections walks a parsed (or hand-built) collection tree and
// enforces every constraint spec §4.5 names: usage/usage-page range, report
// nesting depth, report field ranges, the report-ID-0-vs-nonzero mixing
// rule, and the per-report byte-length caps imposed by the USB transfer
// type each report kind travels over. Errors carry a dotted path into the
// tree identifying exactly which field failed.
func ValidateCollections(collections []CollectionInfo) (ValidationSummary, error) {
	state := newValidationState()

	for idx := range collections {
		path := rootCollectionPath(idx)
		if err := validateCollection(&collections[idx], path, 1, state); err != nil {
			return ValidationSummary{}, err
		}
	}

	maxIn, err := maxReportBytesFromState(state, ReportInput)
	if err != nil {
		return ValidationSummary{}, err
	}
	maxOut, err := maxReportBytesFromState(state, ReportOutput)
	if err != nil {
		return ValidationSummary{}, err
	}
	maxFeat, err := maxReportBytesFromState(state, ReportFeature)
	if err != nil {
		return ValidationSummary{}, err
	}

	return ValidationSummary{
		HasReportIDs:          state.sawNonzeroReportID,
		MaxInputReportBytes:   maxIn,
		MaxOutputReportBytes:  maxOut,
		MaxFeatureReportBytes: maxFeat,
	}, nil
}

func validateCollection(c *CollectionInfo, path *validationPath, depth int, state *validationState) error {
	if depth > maxCollectionDepth {
		return errAt(path.String(), "HID collection nesting exceeds max depth %d", maxCollectionDepth)
	}
	if c.UsagePage > maxHIDUsage {
		return errAt(path.String(), "usagePage must be in 0..=%d (got %d)", maxHIDUsage, c.UsagePage)
	}
	if c.Usage > maxHIDUsage {
		return errAt(path.String(), "usage must be in 0..=%d (got %d)", maxHIDUsage, c.Usage)
	}

	if err := validateReportList(ReportInput, c.InputReports, "inputReports", path, state); err != nil {
		return err
	}
	if err := validateReportList(ReportOutput, c.OutputReports, "outputReports", path, state); err != nil {
		return err
	}
	if err := validateReportList(ReportFeature, c.FeatureReports, "featureReports", path, state); err != nil {
		return err
	}

	for i := range c.Children {
		path.pushIndexed("children", i)
		if err := validateCollection(&c.Children[i], path, depth+1, state); err != nil {
			return err
		}
		path.pop()
	}
	return nil
}

func validateReportList(kind ReportKind, reports []ReportInfo, segment string, path *validationPath, state *validationState) error {
	for ri := range reports {
		report := &reports[ri]
		path.pushIndexed(segment, ri)
		reportPath := path.String()

		if err := state.validateReportID(report.ReportID, reportPath); err != nil {
			return err
		}
		key := reportKey{kind: kind, id: report.ReportID}
		if _, ok := state.reportPaths[key]; !ok {
			state.reportPaths[key] = reportPath
		}

		for ii := range report.Items {
			path.pushIndexed("items", ii)
			itemPath := path.String()

			bits, err := validateReportItem(&report.Items[ii], itemPath)
			if err != nil {
				return err
			}

			totalBits := uint64(state.reportBits[key]) + uint64(bits)
			if totalBits > 0xFFFFFFFF {
				return errAt(itemPath, "total report bit length overflows u32")
			}
			state.reportBits[key] = uint32(totalBits)

			dataBytes, err := ceilDiv8(uint32(totalBits), itemPath)
			if err != nil {
				return err
			}
			reportBytes := uint64(dataBytes)
			if report.ReportID != 0 {
				reportBytes++
			}
			if reportBytes > 0xFFFFFFFF {
				return errAt(itemPath, "report byte length overflows u32")
			}

			switch kind {
			case ReportInput:
				if reportBytes > maxUSBFullSpeedInterruptPacketBytes {
					return errAt(itemPath, "input report length %d bytes exceeds max USB full-speed interrupt packet size %d", reportBytes, maxUSBFullSpeedInterruptPacketBytes)
				}
			default:
				if reportBytes > maxUSBControlTransferBytes {
					return errAt(itemPath, "%s report length %d bytes exceeds max USB control transfer size u16::MAX (%d)", kind, reportBytes, maxUSBControlTransferBytes)
				}
			}

			path.pop()
		}
		path.pop()
	}
	return nil
}

func validateReportItem(item *ReportItem, path string) (uint32, error) {
	if item.UsagePage > maxHIDUsage {
		return 0, errAt(path, "usagePage must be in 0..=%d (got %d)", maxHIDUsage, item.UsagePage)
	}
	for idx, usage := range item.Usages {
		if usage > maxHIDUsage {
			return 0, errAt(path, "usages[%d] must be in 0..=%d (got %d)", idx, maxHIDUsage, usage)
		}
	}

	if item.ReportSize == 0 || item.ReportSize > maxReportSizeBits {
		return 0, errAt(path, "reportSize must be in 1..=%d (got %d)", maxReportSizeBits, item.ReportSize)
	}

	bits64 := uint64(item.ReportSize) * uint64(item.ReportCount)
	if bits64 > 0xFFFFFFFF {
		return 0, errAt(path, "reportSize*reportCount overflows u32 (%d*%d)", item.ReportSize, item.ReportCount)
	}
	bits := uint32(bits64)

	if item.ReportCount > maxReportCount {
		return 0, errAt(path, "reportCount must be in 0..=%d (got %d)", maxReportCount, item.ReportCount)
	}

	if item.UnitExponent < -8 || item.UnitExponent > 7 {
		return 0, errAt(path, "unitExponent must be in -8..=7 (got %d)", item.UnitExponent)
	}

	if item.LogicalMinimum > item.LogicalMaximum {
		return 0, errAt(path, "logicalMinimum must be <= logicalMaximum (got %d > %d)", item.LogicalMinimum, item.LogicalMaximum)
	}
	if item.PhysicalMinimum > item.PhysicalMaximum {
		return 0, errAt(path, "physicalMinimum must be <= physicalMaximum (got %d > %d)", item.PhysicalMinimum, item.PhysicalMaximum)
	}

	if item.IsRange {
		if len(item.Usages) != 2 {
			return 0, errAt(path, "isRange=true requires usages.len() == 2 (min/max), got %d", len(item.Usages))
		}
		if item.Usages[0] > item.Usages[1] {
			return 0, errAt(path, "isRange=true requires usages[0] <= usages[1] (got %d > %d)", item.Usages[0], item.Usages[1])
		}
	}

	return bits, nil
}
