package transcode

// Profile describes one HLS rendition's manifest attributes, per
// spec.md §6's bandwidth/resolution/codec table.
type Profile struct {
	Name       string
	Width      int
	Height     int
	Bandwidth  int
	Codecs     string
}

var knownProfiles = map[string]Profile{
	"1080p": {Name: "1080p", Width: 1920, Height: 1080, Bandwidth: 6_500_000, Codecs: "avc1.640028,mp4a.40.2"},
	"720p":  {Name: "720p", Width: 1280, Height: 720, Bandwidth: 3_500_000, Codecs: "avc1.64001F,mp4a.40.2"},
	"480p":  {Name: "480p", Width: 854, Height: 480, Bandwidth: 1_800_000, Codecs: "avc1.4D401F,mp4a.40.2"},
}

// ProfileFor returns the known encoding profile for a quality name,
// falling back to the 480p attributes for any name outside the three
// the spec enumerates (e.g. a future Direct API custom quality).
func ProfileFor(name string) Profile {
	if p, ok := knownProfiles[name]; ok {
		return p
	}
	return Profile{Name: name, Width: 854, Height: 480, Bandwidth: 1_800_000, Codecs: "avc1.4D401F,mp4a.40.2"}
}
