package main

// SelectRecords returns the records that should be displayed under cfg, in key order.
// Records without a usable position are always dropped. The dataset is not modified.
func SelectRecords(records Dataset, cfg FilterConfig) []KeyedRecord {
	selected := make([]KeyedRecord, 0, len(records))
	for _, key := range records.SortedKeys() {
		rec := records[key]
		if !keepRecord(rec, cfg) {
			continue
		}
		selected = append(selected, KeyedRecord{Key: key, Record: rec})
	}
	return selected
}

func keepRecord(rec PointRecord, cfg FilterConfig) bool {
	if !rec.HasPosition() {
		return false
	}
	if cfg.ExcludeExhibits && rec.IsInExhibit {
		return false
	}
	if cfg.MissingImageOnly && rec.Image != nil {
		return false
	}
	return true
}
