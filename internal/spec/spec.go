// Package spec is the on-disk shape of a pipeline file.
package spec

// SourceSpec selects the record source. Path and Config may contain the
// {name} and {ext} placeholders, filled from the input file.
type SourceSpec struct {
	Kind              string `yaml:"kind"`   // file|kafka
	Path              string `yaml:"path"`   // file source
	Config            string `yaml:"config"` // koanf YAML for kafka
	SegmentTerminator string `yaml:"segment_terminator"`
}

// ClusteringSpec overrides the clustering defaults of the app. Pointers
// distinguish "unset" from false.
type ClusteringSpec struct {
	MarkerStartsCluster *bool  `yaml:"marker_starts_cluster"`
	PrependHead         *bool  `yaml:"prepend_head"`
	AppendFoot          *bool  `yaml:"append_foot"`
	Deferral            string `yaml:"deferral"` // none|per_cluster|until_record_initiation
}

type TransformSpec struct {
	Concurrency    int    `yaml:"concurrency"`
	MaxInFlight    int    `yaml:"max_in_flight"`
	ErrorPolicy    string `yaml:"error_policy"` // abort|drain|skip
	AwaitTimeoutMS int    `yaml:"await_timeout_ms"`
}

type StateSpec struct {
	// Entries are "Key|Value" pairs; they replace the app's defaults.
	Entries []string `yaml:"entries"`
}

// LaneSpec is one output lane. Lanes are indexed in file order.
type LaneSpec struct {
	Name              string `yaml:"name"`
	Kind              string `yaml:"kind"` // file|stdout|kafka
	Path              string `yaml:"path"`
	Config            string `yaml:"config"`
	ElementSeparator  string `yaml:"element_separator"`
	SegmentTerminator string `yaml:"segment_terminator"`
}

type debugSection struct {
	PerRecordDelayMS int  `yaml:"per_record_delay_ms"`
	PrintCounter     bool `yaml:"print_counter"`
}

type File struct {
	SchemaVersion string `yaml:"schema_version"`

	// App names a registered application: its marker, initiator, transform
	// and router.
	App string `yaml:"app"`

	Source     SourceSpec     `yaml:"source"`
	Clustering ClusteringSpec `yaml:"clustering"`
	Transform  TransformSpec  `yaml:"transform"`
	State      StateSpec      `yaml:"state"`
	Lanes      []LaneSpec     `yaml:"lanes"`
	Debug      debugSection   `yaml:"debug"`

	MetricsPort int `yaml:"metrics_port"`
}
