package logging

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"sort"
	"sync"
	"time"
)

// RunLog is the per-pipeline record of module runs, written to runlog.json
// after every transition so an operator or the status api can follow along.
type RunLog struct {
	sync.RWMutex `json:"-"`
	Path         string          `json:"path"`
	Pipeline     string          `json:"pipeline"`
	RunID        string          `json:"runID"`
	Attempt      int             `json:"attempt"`
	Main         *Log            `json:"main"`
	ByModule     map[string]*Log `json:"byModule"`
}

func NewRunLog(path, pipeline string) *RunLog {
	return &RunLog{
		Path:     path,
		Pipeline: pipeline,
		Main:     logger(),
		ByModule: make(map[string]*Log),
	}
}

// LoadRunLog reads a run log written by an earlier attempt.
func LoadRunLog(path string) (*RunLog, error) {
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	runLog := &RunLog{}
	if err = json.Unmarshal(b, runLog); err != nil {
		return nil, fmt.Errorf("error unmarshalling run log %s: %v", path, err)
	}
	if runLog.Main == nil {
		runLog.Main = logger()
	}
	if runLog.ByModule == nil {
		runLog.ByModule = make(map[string]*Log)
	}
	for _, l := range runLog.ByModule {
		l.init()
	}
	runLog.Main.init()
	return runLog, nil
}

// Module returns the log for a module directory, creating it on first use.
func (runLog *RunLog) Module(dir string) *Log {
	runLog.Lock()
	defer runLog.Unlock()
	l, ok := runLog.ByModule[dir]
	if !ok {
		l = logger()
		runLog.ByModule[dir] = l
	}
	return l
}

// Update runs fn while holding the write lock.
func (runLog *RunLog) Update(fn func()) {
	runLog.Lock()
	defer runLog.Unlock()
	fn()
}

func (runLog *RunLog) JSON() ([]byte, error) {
	runLog.RLock()
	defer runLog.RUnlock()
	j, err := json.MarshalIndent(runLog, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal run log to json: %v", err)
	}
	return j, nil
}

// Modules returns module directory names in pipeline order.
func (runLog *RunLog) Modules() []string {
	runLog.RLock()
	defer runLog.RUnlock()
	dirs := make([]string, 0, len(runLog.ByModule))
	for dir := range runLog.ByModule {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)
	return dirs
}

// Log stores the event log and runtime stats for the engine or one module
type Log struct {
	Created        string    `json:"created,omitempty"`
	CreatedObj     time.Time `json:"-"`
	LastUpdated    string    `json:"lastUpdated,omitempty"`
	LastUpdatedObj time.Time `json:"-"`
	Backend        string    `json:"backend,omitempty"`
	JobNames       []string  `json:"jobNames,omitempty"`
	ContainerImage string    `json:"containerImage,omitempty"`
	Status         string    `json:"status"`
	Stats          *Stats    `json:"stats"`
	Event          *EventLog `json:"eventLog,omitempty"`
}

func logger() *Log {
	logger := &Log{
		Status: NotStarted,
		Stats:  &Stats{},
		Event:  &EventLog{},
	}
	logger.Event.info("init log")
	return logger
}

func (log *Log) init() {
	if log.Stats == nil {
		log.Stats = &Stats{}
	}
	if log.Event == nil {
		log.Event = &EventLog{}
	}
}

// called when a module is dispatched
func (log *Log) Start() {
	t := time.Now()
	log.CreatedObj = t
	log.Created = timef(t)
	log.LastUpdatedObj = t
	log.LastUpdated = timef(t)
	log.Status = Running
}

// called when a module finishes running
func (log *Log) Finish() {
	log.end(Completed)
}

func (log *Log) Fail() {
	log.end(Failed)
}

// Skip records a module that was already complete from an earlier attempt.
func (log *Log) Skip() {
	log.LastUpdatedObj = time.Now()
	log.LastUpdated = timef(log.LastUpdatedObj)
	if log.Status != Completed {
		log.Status = Skipped
	}
}

func (log *Log) end(status string) {
	t := time.Now()
	log.LastUpdatedObj = t
	log.LastUpdated = timef(t)
	if !log.CreatedObj.IsZero() {
		log.Stats.DurationObj = t.Sub(log.CreatedObj)
		log.Stats.Duration = log.Stats.DurationObj.Seconds()
	}
	log.Status = status
}

// Stats holds performance stats for one module run
type Stats struct {
	CPUReq        ResourceRequirement `json:"cpuReq"`
	MemoryReq     ResourceRequirement `json:"memReq"`
	ResourceUsage ResourceUsage       `json:"resourceUsage"`
	Duration      float64             `json:"duration"` // seconds
	DurationObj   time.Duration       `json:"-"`
	NBatches      int                 `json:"nbatches"`
	NFailures     int                 `json:"nfailures"`
}

// ResourceRequirement is for logging resource requests vs. actual usage
type ResourceRequirement struct {
	Min int64 `json:"min"`
	Max int64 `json:"max"`
}

// ResourceUsage ..
type ResourceUsage struct {
	Series         ResourceUsageSeries `json:"data"`
	SamplingPeriod int                 `json:"samplingPeriod"`
}

func (r *ResourceUsage) Init() {
	r.Series = ResourceUsageSeries{}
	r.SamplingPeriod = metricsSamplingPeriod
}

// ResourceUsageSeries ..
type ResourceUsageSeries []ResourceUsageSamplePoint

func (s *ResourceUsageSeries) Append(p ResourceUsageSamplePoint) {
	*s = append(*s, p)
}

// ResourceUsageSamplePoint ..
type ResourceUsageSamplePoint struct {
	CPU    int64 `json:"cpu"`
	Memory int64 `json:"mem"`
}

// EventLog is an event logger for the engine or a module
type EventLog struct {
	sync.RWMutex
	Events []string `json:"events,omitempty"`
}

// a record is "<timestamp> - <level> - <message>"
func (log *EventLog) Write(level, message string) {
	log.Lock()
	defer log.Unlock()
	record := fmt.Sprintf("%v - %v - %v", timef(time.Now()), level, message)
	log.Events = append(log.Events, record)
}

func (log *EventLog) Infof(f string, v ...interface{}) {
	log.info(fmt.Sprintf(f, v...))
}

func (log *EventLog) info(m string) {
	log.Write(infoLogLevel, m)
}

func (log *EventLog) Warnf(f string, v ...interface{}) {
	log.Write(warningLogLevel, fmt.Sprintf(f, v...))
}

// Errorf records the message and returns it as an error.
func (log *EventLog) Errorf(f string, v ...interface{}) error {
	m := fmt.Sprintf(f, v...)
	log.Write(errorLogLevel, m)
	return fmt.Errorf("%s", m)
}

// Tail returns the last n events.
func (log *EventLog) Tail(n int) []string {
	log.RLock()
	defer log.RUnlock()
	if len(log.Events) <= n {
		return append([]string{}, log.Events...)
	}
	return append([]string{}, log.Events[len(log.Events)-n:]...)
}

func timef(t time.Time) string {
	return t.Format("2006/01/02 15:04:05") // format is yyyy/mm/dd hh:mm:ss
}
