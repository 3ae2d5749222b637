/*
Package types defines the shared data model for the Flowdeck fleet
controller: pod records, lifecycle events, activity reports, and the
aggregate views served by the admin API.

A PodRecord moves through starting → warm → assigned → draining →
terminated. Records are never deleted on termination; they are retained for
audit and event correlation, and only removed by an explicit admin cleanup
of old terminated rows.
*/
package types
