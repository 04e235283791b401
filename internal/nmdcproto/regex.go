package nmdcproto

import "regexp"

// MyInfoRegexp parses "$MyINFO $ALL <nick> <desc>$ <$conn><flag>$<email>$<share>$".
var MyInfoRegexp = regexp.MustCompile(`^\$MyINFO \$ALL ([^ ]*) ([^\$]*)\$ \$([^\$]*)([^\$])\$([^\$]*)\$([^\$]*)\$$`)

// ActiveSearchRequestRegexp parses a $Search frame sent by an active client:
// "$Search <ip>:<port> <tuple>".
var ActiveSearchRequestRegexp = regexp.MustCompile(`^\$Search (\S+):(\d+) (\S+)$`)

// PassiveSearchRequestRegexp parses a $Search frame relayed for a passive
// client: "$Search Hub:<nick> <tuple>".
var PassiveSearchRequestRegexp = regexp.MustCompile(`^\$Search Hub:(\S+) (\S+)$`)

// SearchTupleRegexp decomposes the "<T|F>?<T|F>?<size>?<type>?<term>" tuple.
var SearchTupleRegexp = regexp.MustCompile(`^([TF])\?([TF])\?(\d+)\?(\d)\?(.*)$`)

// SRFileRegexp parses a file search-result frame body.
var SRFileRegexp = regexp.MustCompile(`^\$SR (\S+) (.+)\x05(\d+) (\d+)/(\d+)\x05TTH:(\S+) \(([^:]+):(\d+)\)(?:\x05(\S+))?$`)

// SRFolderRegexp parses a directory search-result frame body.
var SRFolderRegexp = regexp.MustCompile(`^\$SR (\S+) (.+) (\d+)/(\d+)\x05(.+) \(([^:]+):(\d+)\)(?:\x05(\S+))?$`)

// ConnectToMeRegexp parses "$ConnectToMe <me> <host>:<port>".
var ConnectToMeRegexp = regexp.MustCompile(`^\$ConnectToMe (\S+) ([^:]+):(\d+)$`)

// RevConnectToMeRegexp parses "$RevConnectToMe <peer> <me>".
var RevConnectToMeRegexp = regexp.MustCompile(`^\$RevConnectToMe (\S+) (\S+)$`)

// ToRegexp parses "$To: <me> From: <peer> $<sendertag> <body>".
var ToRegexp = regexp.MustCompile(`^\$To: (\S+) From: (\S+) \$(\S+) (.*)$`)

// LockRegexp parses "$Lock <lock> Pk=<pk>".
var LockRegexp = regexp.MustCompile(`^\$Lock ([^ ]+) Pk=(\S+)$`)

// ADCGetRegexp parses "$ADCGET <kind> <identifier> <offset> <length>[ ZL1]".
var ADCGetRegexp = regexp.MustCompile(`^\$ADCGET (\S+) (.+) (-?\d+) (-?\d+)( ZL1)?$`)

// ADCSndRegexp parses "$ADCSND <kind> <identifier> <offset> <length>".
var ADCSndRegexp = regexp.MustCompile(`^\$ADCSND (\S+) (.+) (\d+) (\d+)$`)

// DirectionRegexp parses "$Direction <Download|Upload> <random>".
var DirectionRegexp = regexp.MustCompile(`^\$Direction (Download|Upload) (-?\d+)$`)
