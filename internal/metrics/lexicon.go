package metrics

func wordSet(words ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

var stopwords = wordSet(
	"about", "above", "after", "again", "against", "also", "although", "among",
	"because", "been", "before", "being", "below", "between", "both", "cannot",
	"could", "does", "doing", "down", "during", "each", "either", "every",
	"few", "from", "further", "have", "having", "here", "hers", "herself",
	"himself", "into", "itself", "just", "more", "most", "much", "must",
	"myself", "neither", "once", "only", "other", "ought", "ours", "ourselves",
	"over", "same", "shall", "should", "some", "such", "than", "that", "their",
	"theirs", "them", "themselves", "then", "there", "these", "they", "this",
	"those", "through", "under", "until", "upon", "very", "were", "what",
	"when", "where", "whether", "which", "while", "whom", "whose", "will",
	"with", "within", "without", "would", "your", "yours", "yourself",
	"yourselves",
)

// subjectiveLexicon holds hedging, intensifying and emotive words.
var subjectiveLexicon = wordSet(
	"amazing", "arguably", "awesome", "awful", "basically", "beautiful",
	"best", "brilliant", "certainly", "clearly", "crucial", "definitely",
	"delightful", "essentially", "exciting", "extremely", "fantastic",
	"fascinating", "generally", "great", "honestly", "hopefully", "horrible",
	"huge", "incredible", "incredibly", "interesting", "likely", "literally",
	"love", "maybe", "might", "obviously", "perhaps", "possibly", "probably",
	"really", "remarkable", "seamless", "seems", "simply", "somewhat",
	"stunning", "super", "surely", "terrible", "truly", "unbelievable",
	"undoubtedly", "vital", "wonderful", "worst",
)
