package factor

// wordList is the recovery phrase dictionary. It holds exactly 256 distinct
// lowercase words so that one random byte selects one word uniformly.
var wordList = [256]string{
	"acorn", "acre", "adobe", "agate", "alder", "almond", "amber", "anchor",
	"anvil", "apple", "apron", "arbor", "arctic", "arrow", "aspen", "atlas",
	"attic", "autumn", "avocado", "badger", "bagel", "bamboo", "banjo", "barley",
	"basil", "bay", "beacon", "beaver", "berry", "birch", "biscuit", "bison",
	"blossom", "bluff", "bonnet", "border", "boulder", "bramble", "breeze", "brick",
	"bridge", "brook", "bucket", "buffalo", "bugle", "butter", "cabin", "cactus",
	"camel", "candle", "canoe", "canyon", "cargo", "carrot", "castle", "cedar",
	"cello", "chalk", "cherry", "chimney", "cinder", "citrus", "clover", "cobalt",
	"cocoa", "comet", "copper", "coral", "cotton", "cougar", "cove", "coyote",
	"crater", "crayon", "cricket", "crystal", "cuckoo", "cypress", "daisy", "dawn",
	"delta", "denim", "desert", "dolphin", "dragon", "drift", "dune", "eagle",
	"easel", "echo", "ember", "emerald", "falcon", "feather", "fennel", "fern",
	"ferry", "fiddle", "fig", "fjord", "flannel", "flint", "forest", "fossil",
	"fox", "galaxy", "garden", "garnet", "gecko", "geyser", "ginger", "glacier",
	"granite", "grape", "gravel", "grove", "gull", "harbor", "harvest", "hazel",
	"heron", "hickory", "hollow", "honey", "horizon", "hornet", "iceberg", "igloo",
	"indigo", "iris", "island", "ivory", "jacket", "jade", "jasmine", "jelly",
	"jungle", "juniper", "kayak", "kelp", "kernel", "kettle", "kiwi", "koala",
	"ladder", "lagoon", "lantern", "larch", "lava", "lemon", "lentil", "lily",
	"linen", "lizard", "llama", "lobster", "locket", "lotus", "lumber", "lunar",
	"magnet", "mango", "maple", "marble", "marsh", "meadow", "melon", "mesa",
	"meteor", "mint", "mitten", "moose", "mosaic", "moss", "muffin", "nectar",
	"nickel", "nutmeg", "oak", "oasis", "ocean", "olive", "onyx", "orchid",
	"otter", "owl", "oyster", "paddle", "panda", "papaya", "parrot", "pebble",
	"pecan", "pepper", "pigeon", "pine", "plum", "polar", "pollen", "pond",
	"poppy", "prairie", "pumpkin", "quail", "quartz", "quill", "rabbit", "radish",
	"raven", "reed", "reef", "ribbon", "ridge", "river", "robin", "rocket",
	"saddle", "saffron", "sage", "salmon", "satin", "season", "sequoia", "shell",
	"shore", "sierra", "silver", "sparrow", "spruce", "squash", "starling", "stone",
	"summit", "sunset", "swan", "tango", "teapot", "thistle", "thunder", "tiger",
	"timber", "topaz", "tulip", "tundra", "turnip", "velvet", "violet", "volcano",
	"walnut", "walrus", "willow", "wren", "yarrow", "zebra", "zephyr", "zinnia",
}
